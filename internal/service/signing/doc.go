// Package signing produces ASCII-armored detached OpenPGP signatures for
// built wheels using ProtonMail's go-crypto.
package signing
