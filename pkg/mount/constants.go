package mount

// Filesystem types and options used for the two loop mounts of a build.
const (
	// FSTypeISO is the outer live image.
	FSTypeISO = "iso9660"
	// FSTypeSquashfs is the compressed root filesystem inside the live image.
	FSTypeSquashfs = "squashfs"
	// LoopReadOnly attaches the source through a loop device without write access.
	LoopReadOnly = "loop,ro"
)

// procFilesystems lists the filesystem types the running kernel can mount.
var procFilesystems = "/proc/filesystems"
