// Package registration persists registration records and owns the write
// path that turns a paid intake item into a numbered registration.
//
// Records live under reg/rec/{sequence_id} with a unique payment reference
// index at reg/ref/{payment_ref}; both are written in one transaction. The
// Writer consults the index before allocating a number, so retries and
// racing writers converge on a single record per payment reference.
package registration
