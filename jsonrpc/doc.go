/*
Package jsonrpc implements the JSON-RPC 2.0 envelope and the length-prefixed framing used to carry it over a byte stream.

A frame is a block of ASCII header lines terminated by a blank line, followed by a JSON body:

	Content-Length: 58\r\n
	\r\n
	{"jsonrpc":"2.0","id":1,"method":"tools/list","params":{}}

Only Content-Length is required. Other header lines are ignored. The header terminator may be either CRLFCRLF or LFLF, and whichever occurs first in the stream wins.

Encode always produces the CRLF form. TryDecode is incremental: it is handed whatever bytes have arrived so far and reports either a complete Message plus the number of bytes it spans, or that more bytes are needed. It never decodes a partial frame.

The body of every frame must be a JSON object. Arrays, scalars and invalid JSON are protocol errors.
*/
package jsonrpc
