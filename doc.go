// Package ssesignal keeps server held values (signals) synchronized to SSE
// clients by sending JSON patches instead of full snapshots.
//
// Every message on the wire is a JSON object holding the signal name and an
// RFC 6902 patch that transforms the previous value of the signal into the
// current one:
//
//	id: 6f1c0e9a-1d2b-4c3e-9f70-5a8b2c4d6e10.42
//	event: message
//	data: {"name":"counter","patch":[{"op":"replace","path":"/value","value":42}]}
//
// Two server side flavours are provided:
//	* ServerSentEvents wraps a channel of values for a single HTTP response,
//	  the patches start from the zero value of the value type.
//	* Hub is a shared publish/subscribe stream. Values are published with
//	  Set or through a typed Signal handle and every connected client receives
//	  the resulting patches. Reconnecting clients are resynced either from the
//	  recent event history or by re-basing them on the current values.
//
// Client is the consuming side. It keeps a local JSON document per registered
// signal name and applies incoming patches to it.
package ssesignal
