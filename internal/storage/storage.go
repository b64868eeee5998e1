// Package storage persists external listings per user.
package storage

import "errors"

// ErrListingExists is returned when the user already has a row for the
// listing's (source, listingId).
var ErrListingExists = errors.New("listing already exists")
