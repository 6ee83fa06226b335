// Package connid implements connection identity and admission control.
//
// An ID names one logical session ("<channel>.<32 hex server id>") and is reused
// when the client reconnects. Servers issue ids through a Factory bound to an
// explicitly created ServerIdentity. Policy counts admitted connections against a
// configurable maximum.
package connid
