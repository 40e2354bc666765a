// Package protocol implements the binary wire protocol spoken between the
// rhythm game client and the session server. Each application message is a
// frame: an unsigned variable-length integer payload length followed by the
// payload. Within payloads all fixed-width integers and floats are
// little-endian; touch positions are IEEE-754 binary16. Commands are tagged
// unions with a one-byte tag.
package protocol
