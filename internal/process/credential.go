package process

import (
	"fmt"
	"os/user"
	"strconv"
	"strings"
	"syscall"
)

// ParseCredential parses a QueueConfig.User value into a SysProcAttr
// Credential. Accepts "uid", "uid:gid", a symbolic "name", or
// "name:group" — a queue's config.toml is human-edited, and requiring
// numeric ids there is a needless trap for whoever writes it.
func ParseCredential(user string) (*syscall.Credential, error) {
	if user == "" {
		return nil, nil
	}

	nameOrUID, groupOrGID, hasGroup := strings.Cut(user, ":")

	uid, err := resolveUID(nameOrUID)
	if err != nil {
		return nil, fmt.Errorf("invalid user %q: %w", user, err)
	}

	gid := uid // default gid = uid
	if hasGroup {
		gid, err = resolveGID(groupOrGID)
		if err != nil {
			return nil, fmt.Errorf("invalid group in user %q: %w", user, err)
		}
	}

	return &syscall.Credential{
		Uid: uid,
		Gid: gid,
	}, nil
}

// resolveUID accepts either a numeric uid or a username to look up.
func resolveUID(s string) (uint32, error) {
	if n, err := strconv.ParseUint(s, 10, 32); err == nil {
		return uint32(n), nil
	}
	u, err := user.Lookup(s)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("user %q resolved to non-numeric uid %q", s, u.Uid)
	}
	return uint32(n), nil
}

// resolveGID accepts either a numeric gid or a group name to look up.
func resolveGID(s string) (uint32, error) {
	if n, err := strconv.ParseUint(s, 10, 32); err == nil {
		return uint32(n), nil
	}
	g, err := user.LookupGroup(s)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(g.Gid, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("group %q resolved to non-numeric gid %q", s, g.Gid)
	}
	return uint32(n), nil
}

// BuildSysProcAttr creates SysProcAttr with process group isolation
// and optional credential switching.
func BuildSysProcAttr(user string) (*syscall.SysProcAttr, error) {
	attr := &syscall.SysProcAttr{
		Setpgid: true,
	}

	cred, err := ParseCredential(user)
	if err != nil {
		return nil, err
	}
	if cred != nil {
		attr.Credential = cred
	}

	return attr, nil
}
