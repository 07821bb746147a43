/*
Package security issues and stores the SSH key material used by the master.

Every Allocation gets its own key pair, issued once with the allocation name as
the principal. The public half is installed by the user on the resource; the
private half goes into the auth configuration consumed by the batch layer and
is used by the master to validate the allocation.

	km, _ := security.NewKeyManager(dir, security.KeyTypeRSA)
	kp, _ := km.IssueKeys("alice.uchicago")  // generated and written
	kp, _ = km.IssueKeys("alice.uchicago")   // read back, same keys

Files are <dir>/<principal> (0600, PEM) and <dir>/<principal>.pub
(authorized_keys format). RSA keys are PKCS#1, ed25519 keys use the OpenSSH
private key format.

ValidatePublicKey is used by request validation to check project members'
public keys.
*/
package security
