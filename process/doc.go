/*
Package process supervises a child process that is driven over its standard streams.

Start launches the child with all three streams connected to pipes owned by the supervisor. The caller writes to Stdin and reads from Stdout. Stderr is drained continuously by a background pump into a Sink, so a chatty child can never fill its stderr pipe and stall. The pump starts with the child and ends when the child's stderr closes.

A Process moves through three states, in order, and never back:

	StateRunning -> StateTerminating -> StateExited

Shutdown performs a staged teardown. It closes stdin and gives the child a grace period to exit on its own. A child that is still alive gets a termination signal, then a kill. On unix the child runs in its own process group and signals are sent to the whole group. The steps actually taken are returned as an Escalation.

Shutdown never fails. Errors from signalling a process that is already gone are logged at debug level and otherwise ignored.
*/
package process
