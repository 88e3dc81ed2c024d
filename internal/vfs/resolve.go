package vfs

import "strings"

// ResolvePath walks a `/`-separated path component by component from
// the root, rejecting `.` and `..` as path components — there is no
// symlink following, and no component may itself
// contain a `/` (impossible after splitting, kept here only so a
// caller handing us a single component, e.g. via Lookup, gets the same
// rejection Create/Mkdir/Rename apply).
func (t *Tree) ResolvePath(path string) (uint64, error) {
	id := RootInodeID
	for _, part := range strings.Split(path, "/") {
		if part == "" {
			continue
		}
		if err := validateName(part); err != nil {
			return 0, err
		}
		next, err := t.Lookup(id, part)
		if err != nil {
			return 0, err
		}
		id = next
	}
	return id, nil
}

// ResolveParent splits path into its parent directory's inode id and
// the final component's name, for operations (create, mkdir, rename,
// unlink, rmdir) that need to mutate a listing rather than just look
// one up.
func (t *Tree) ResolveParent(path string) (uint64, string, error) {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return 0, "", nil
	}
	idx := strings.LastIndex(trimmed, "/")
	if idx < 0 {
		return RootInodeID, trimmed, nil
	}
	parentID, err := t.ResolvePath(trimmed[:idx])
	if err != nil {
		return 0, "", err
	}
	return parentID, trimmed[idx+1:], nil
}
