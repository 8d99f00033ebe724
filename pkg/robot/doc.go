/*
Package robot manages the registered enhancement workers and their
credentials.

Registration issues a random client secret, returned to the operator exactly
once. At rest the secret is AES-256-GCM encrypted rather than hashed: request
authentication is HMAC-SHA256, which needs the plaintext on every
verification. The encryption key is derived from service configuration and
never stored alongside the data.

Robots sign each request over timestamp, method, path and body, and send the
signature with their ID and the timestamp in headers. The middleware rejects
timestamps outside the replay window, verifies the HMAC in constant time, and
puts the authenticated robot ID on the request context for handlers.
*/
package robot
