package privilege

import (
	"errors"
	"fmt"
	"os/user"
	"strconv"
)

// ErrUnknownUser is returned when a user name does not exist on the host.
var ErrUnknownUser = errors.New("user doesn't exist")

// Identity is the OS identity a child process runs as.
type Identity struct {
	Username string
	UID      uint32
	GID      uint32
}

// Resolver maps a user name to an OS identity.
type Resolver interface {
	Resolve(username string) (Identity, error)
}

// System resolves users against the host user database.
type System struct{}

func (System) Resolve(username string) (Identity, error) {
	if username == "" {
		return Identity{}, fmt.Errorf("%w: empty user name", ErrUnknownUser)
	}
	u, err := user.Lookup(username)
	if err != nil {
		var unk user.UnknownUserError
		if errors.As(err, &unk) {
			return Identity{}, fmt.Errorf("%w: %s", ErrUnknownUser, username)
		}
		return Identity{}, fmt.Errorf("lookup user %s: %w", username, err)
	}
	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return Identity{}, fmt.Errorf("parse uid %q for %s: %w", u.Uid, username, err)
	}
	gid, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return Identity{}, fmt.Errorf("parse gid %q for %s: %w", u.Gid, username, err)
	}
	return Identity{Username: u.Username, UID: uint32(uid), GID: uint32(gid)}, nil
}

// CurrentUsername returns the name of the user running the supervisor.
func CurrentUsername() (string, error) {
	u, err := user.Current()
	if err != nil {
		return "", err
	}
	return u.Username, nil
}
