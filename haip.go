// Package haip implements the wire vocabulary of the Human-Agent Interaction
// Protocol (HAIP): the message envelope, the event catalogue and the error
// taxonomy shared by the server and client engines.
package haip

// Version is the HAIP protocol version implemented by this module.
const Version = "1.1.2"

// Major is the protocol major version used during handshake negotiation.
const Major = 1

type sessionKey string

// SessionKey is the key used to store the session ID in the context.
const SessionKey = sessionKey("haip-session")
