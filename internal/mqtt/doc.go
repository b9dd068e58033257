// Package mqtt holds the gateway's broker session and its Home
// Assistant vocabulary: state topics, discovery descriptors and the
// device block that groups the entities in the HA UI.
//
// The session is a single paho v5 client over a plain TCP dial. It
// does not reconnect on its own; the connectivity supervisor decides
// when to try again. Each successful handshake is followed by the
// retained discovery publishes so Home Assistant (re)creates the
// entities after a broker restart.
package mqtt
