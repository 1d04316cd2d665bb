package simquery

import (
	"fmt"
	"regexp"
)

var iccidPattern = regexp.MustCompile(`^[0-9]{19,20}$`)

// ValidICCID reports whether the identifier satisfies the 19-20 digit shape
// invariant.
func ValidICCID(iccid string) bool {
	return iccidPattern.MatchString(iccid)
}

// CheckICCID enforces the shape invariant once, at the boundary. Downstream
// code assumes an identifier that reached it is well-formed.
func CheckICCID(iccid string) error {
	if iccid == "" {
		return NewError(KindInvalidInput, "please enter a 19-20 digit ICCID number", fmt.Errorf("iccid is empty"))
	}
	if !ValidICCID(iccid) {
		return NewError(KindInvalidInput, "ICCID must be 19-20 digits", fmt.Errorf("iccid %q fails shape check", iccid))
	}
	return nil
}
