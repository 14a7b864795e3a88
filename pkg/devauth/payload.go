// Package devauth is the client half of the device-bound authentication
// protocol: a Secure Key Store abstraction for the device keypair and
// session, device identity management, and the HTTP client that runs
// registration and challenge-response authentication against the server.
package devauth

import "strconv"

// SigningPayload builds the canonical byte string a device signs to answer a
// challenge. The device id and signature counter are authenticated material:
// binding them into the payload stops a relay from splicing a valid
// signature onto another device record and makes counter regression
// tamper-evident. Server and client must build the exact same bytes.
func SigningPayload(challenge, deviceID string, counter int64) []byte {
	return []byte(challenge + "." + deviceID + "." + strconv.FormatInt(counter, 10))
}
