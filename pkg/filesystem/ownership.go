package filesystem

import (
	"os/user"
	"strconv"

	"github.com/pkg/errors"
)

// OwnershipSpecification encodes a concrete owner/group to apply to a
// filesystem entry. A component value of -1 means "leave unchanged", the
// same sentinel POSIX chown itself recognizes. The SAME and UNKNOWN owner
// candidates both resolve to -1 before reaching this type; the resolution
// between a list of candidate owners and the current owner happens one
// level up, in pkg/attributes.
type OwnershipSpecification struct {
	OwnerID int
	GroupID int
}

// NoOwnershipChange is the leave-unchanged specification (both IDs -1):
// apply neither owner nor group.
var NoOwnershipChange = &OwnershipSpecification{OwnerID: -1, GroupID: -1}

// ResolveUser resolves a user name or numeric ID string to a POSIX UID.
func ResolveUser(spec string) (int, error) {
	if id, err := strconv.Atoi(spec); err == nil {
		if id < 0 {
			return 0, errors.New("negative user ID")
		}
		return id, nil
	}
	u, err := user.Lookup(spec)
	if err != nil {
		return 0, errors.Wrap(err, "unable to look up user by name")
	}
	id, err := strconv.Atoi(u.Uid)
	if err != nil {
		return 0, errors.Wrap(err, "unable to parse resolved user ID")
	}
	return id, nil
}

// ResolveGroup resolves a group name or numeric ID string to a POSIX GID.
func ResolveGroup(spec string) (int, error) {
	if id, err := strconv.Atoi(spec); err == nil {
		if id < 0 {
			return 0, errors.New("negative group ID")
		}
		return id, nil
	}
	g, err := user.LookupGroup(spec)
	if err != nil {
		return 0, errors.Wrap(err, "unable to look up group by name")
	}
	id, err := strconv.Atoi(g.Gid)
	if err != nil {
		return 0, errors.Wrap(err, "unable to parse resolved group ID")
	}
	return id, nil
}
