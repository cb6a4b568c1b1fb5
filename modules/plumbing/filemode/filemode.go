package filemode

import (
	"fmt"
	"strconv"
)

// A FileMode represents the kind of tree entries used by git. It
// resembles regular file systems modes, although FileModes are
// considerably simpler (there are not so many), and there are some,
// like Submodule that has no file system equivalent.
type FileMode uint32

const (
	// Empty is used as the FileMode of tree elements when comparing
	// trees in the following situations:
	//
	// - the mode of tree elements before their creation.
	// - the mode of tree elements after their deletion.
	// - the mode of unmerged elements when checking the index.
	//
	// Empty has no file system equivalent. As Empty is the zero value
	// of FileMode, it is also returned by New and other functions in
	// this package in the case of error.
	Empty FileMode = 0
	// Dir represent a Directory.
	Dir FileMode = 0040000
	// Regular represent non-executable files.
	Regular FileMode = 0100644
	// Deprecated represent non-executable files with the group writable
	// bit set. This mode was supported by the first versions of git,
	// but it has been deprecated nowadays. This library (as git does)
	// writes them as Regular but it can still read them.
	Deprecated FileMode = 0100664
	// Executable represents executable files.
	Executable FileMode = 0100755
	// Symlink represents symbolic links to files.
	Symlink FileMode = 0120000
	// Submodule represents git submodules. This mode has no file system
	// equivalent.
	Submodule FileMode = 0160000
)

// New takes the octal string representation of a FileMode and returns
// the FileMode and a nil error. If the string can not be parsed to a
// 32 bit unsigned octal number, it returns Empty and an error.
//
// Example: "40000" means Dir and "100644" means Regular.
func New(s string) (FileMode, error) {
	n, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		return Empty, err
	}
	return FileMode(n), nil
}

// Origin returns the FileMode as used by tree objects on the wire:
// the octal representation without the leading zero git omits.
func (m FileMode) Origin() string {
	return strconv.FormatUint(uint64(m), 8)
}

func (m FileMode) String() string {
	return fmt.Sprintf("%07o", uint32(m))
}

// IsMalformedMode returns if the FileMode should not appear in a git
// packfile, index or tree object.
func (m FileMode) IsMalformedMode() bool {
	return m != Dir && m != Regular && m != Deprecated &&
		m != Executable && m != Symlink && m != Submodule
}

// IsFile returns if the FileMode represents that of a file, this is,
// Regular, Deprecated, Executable or Symlink.
func (m FileMode) IsFile() bool {
	return m == Regular ||
		m == Deprecated ||
		m == Executable ||
		m == Symlink
}

// IsRegular returns if the FileMode represents that of a regular file,
// this is, either Regular or Deprecated.
func (m FileMode) IsRegular() bool {
	return m == Regular ||
		m == Deprecated
}
