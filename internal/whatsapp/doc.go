// Package whatsapp understands the WhatsApp Cloud API webhook: it turns the
// nested delivery payload into link events and answers the subscription
// handshake. Nothing here performs I/O.
//
// The payload shape it walks is:
//
//	entry[].changes[].value.{contacts[], messages[], metadata}
//
// Any missing or mistyped key is treated as absent, so an unexpected payload
// degrades to zero events instead of an error.
package whatsapp
