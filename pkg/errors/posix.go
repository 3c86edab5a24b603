package errors

import "syscall"

// Posix error codes (POSIX_*) form the flat tag-per-kind taxonomy that
// providers, the chunk engines, the open-file table and the upload manager
// all return and propagate verbatim. FUSE/WinFsp glue maps these to
// errno/NTSTATUS; nothing in this package knows about that mapping beyond
// ErrnoFor below.
const (
	ErrCodeSuccess              ErrorCode = "POSIX_SUCCESS"
	ErrCodeAccessDeniedPosix    ErrorCode = "POSIX_ACCESS_DENIED"
	ErrCodeCommError            ErrorCode = "POSIX_COMM_ERROR"
	ErrCodeDecryption           ErrorCode = "POSIX_DECRYPTION_ERROR"
	ErrCodeDirectoryEndOfFiles  ErrorCode = "POSIX_DIRECTORY_END_OF_FILES"
	ErrCodeDirectoryExistsPosix ErrorCode = "POSIX_DIRECTORY_EXISTS"
	ErrCodeDirectoryNotEmpty    ErrorCode = "POSIX_DIRECTORY_NOT_EMPTY"
	ErrCodeDirectoryNotFound    ErrorCode = "POSIX_DIRECTORY_NOT_FOUND"
	ErrCodeDownloadFailed       ErrorCode = "POSIX_DOWNLOAD_FAILED"
	ErrCodeDownloadIncomplete   ErrorCode = "POSIX_DOWNLOAD_INCOMPLETE"
	ErrCodeDownloadStopped      ErrorCode = "POSIX_DOWNLOAD_STOPPED"
	ErrCodeFileInUse            ErrorCode = "POSIX_FILE_IN_USE"
	ErrCodeFileSizeMismatch     ErrorCode = "POSIX_FILE_SIZE_MISMATCH"
	ErrCodeInvalidHandle        ErrorCode = "POSIX_INVALID_HANDLE"
	ErrCodeInvalidOperation     ErrorCode = "POSIX_INVALID_OPERATION"
	ErrCodeInvalidVersion       ErrorCode = "POSIX_INVALID_VERSION"
	ErrCodeItemExists           ErrorCode = "POSIX_ITEM_EXISTS"
	ErrCodeItemNotFound         ErrorCode = "POSIX_ITEM_NOT_FOUND"
	ErrCodeNameTooLong          ErrorCode = "POSIX_NAME_TOO_LONG"
	ErrCodeNoDiskSpace          ErrorCode = "POSIX_NO_DISK_SPACE"
	ErrCodeNotImplemented       ErrorCode = "POSIX_NOT_IMPLEMENTED"
	ErrCodeNotSupported         ErrorCode = "POSIX_NOT_SUPPORTED"
	ErrCodeOSError              ErrorCode = "POSIX_OS_ERROR"
	ErrCodeOutOfMemoryPosix     ErrorCode = "POSIX_OUT_OF_MEMORY"
	ErrCodePermissionDeniedFS   ErrorCode = "POSIX_PERMISSION_DENIED"
	ErrCodeUploadFailed         ErrorCode = "POSIX_UPLOAD_FAILED"
	ErrCodeXattrNotFound        ErrorCode = "POSIX_XATTR_NOT_FOUND"
	ErrCodeXattrExists          ErrorCode = "POSIX_XATTR_EXISTS"
	ErrCodeXattrTooBig          ErrorCode = "POSIX_XATTR_TOO_BIG"
)

func newPosix(code ErrorCode, message string, retryable bool) *Error {
	e := NewError(code, message)
	e.Category = CategoryPosix
	e.Retryable = retryable
	e.UserFacing = true
	return e
}

// Sentinel errors. Callers discriminate with errors.Is(err, apierrors.ErrItemNotFound).
var (
	ErrAccessDenied         = newPosix(ErrCodeAccessDeniedPosix, "access denied", false)
	ErrCommError            = newPosix(ErrCodeCommError, "communication error", true)
	ErrDecryption           = newPosix(ErrCodeDecryption, "decryption failed", false)
	ErrDirectoryEndOfFiles  = newPosix(ErrCodeDirectoryEndOfFiles, "end of directory", false)
	ErrDirectoryExists      = newPosix(ErrCodeDirectoryExistsPosix, "directory exists", false)
	ErrDirectoryNotEmpty    = newPosix(ErrCodeDirectoryNotEmpty, "directory not empty", false)
	ErrDirectoryNotFound    = newPosix(ErrCodeDirectoryNotFound, "directory not found", false)
	ErrDownloadFailed       = newPosix(ErrCodeDownloadFailed, "download failed", false)
	ErrDownloadIncomplete   = newPosix(ErrCodeDownloadIncomplete, "download incomplete", false)
	ErrDownloadStopped      = newPosix(ErrCodeDownloadStopped, "download stopped", false)
	ErrFileInUse            = newPosix(ErrCodeFileInUse, "file in use", false)
	ErrFileSizeMismatch     = newPosix(ErrCodeFileSizeMismatch, "file size mismatch", false)
	ErrInvalidHandle        = newPosix(ErrCodeInvalidHandle, "invalid handle", false)
	ErrInvalidOperation     = newPosix(ErrCodeInvalidOperation, "invalid operation", false)
	ErrInvalidVersion       = newPosix(ErrCodeInvalidVersion, "invalid version", false)
	ErrItemExists           = newPosix(ErrCodeItemExists, "item exists", false)
	ErrItemNotFound         = newPosix(ErrCodeItemNotFound, "item not found", false)
	ErrNameTooLong          = newPosix(ErrCodeNameTooLong, "name too long", false)
	ErrNoDiskSpace          = newPosix(ErrCodeNoDiskSpace, "no disk space", false)
	ErrNotImplemented       = newPosix(ErrCodeNotImplemented, "not implemented", false)
	ErrNotSupported         = newPosix(ErrCodeNotSupported, "not supported", false)
	ErrOSError              = newPosix(ErrCodeOSError, "operating system error", false)
	ErrOutOfMemoryPosix     = newPosix(ErrCodeOutOfMemoryPosix, "out of memory", false)
	ErrPermissionDeniedFS   = newPosix(ErrCodePermissionDeniedFS, "permission denied", false)
	ErrUploadFailed         = newPosix(ErrCodeUploadFailed, "upload failed", true)
	ErrXattrNotFound = newPosix(ErrCodeXattrNotFound, "extended attribute not found", false)
	ErrXattrExists   = newPosix(ErrCodeXattrExists, "extended attribute exists", false)
	ErrXattrTooBig   = newPosix(ErrCodeXattrTooBig, "extended attribute too large", false)
)

// ErrnoFor maps a posix error code to the errno FUSE/WinFsp glue should
// surface to the kernel.
func ErrnoFor(code ErrorCode) syscall.Errno {
	switch code {
	case ErrCodeSuccess:
		return 0
	case ErrCodeItemNotFound, ErrCodeDirectoryNotFound:
		return syscall.ENOENT
	case ErrCodeAccessDeniedPosix, ErrCodePermissionDeniedFS:
		return syscall.EACCES
	case ErrCodeDirectoryNotEmpty:
		return syscall.ENOTEMPTY
	case ErrCodeItemExists, ErrCodeDirectoryExistsPosix:
		return syscall.EEXIST
	case ErrCodeNoDiskSpace:
		return syscall.ENOSPC
	case ErrCodeNotSupported, ErrCodeNotImplemented:
		return syscall.ENOTSUP
	case ErrCodeDownloadStopped:
		return syscall.EINTR
	case ErrCodeNameTooLong:
		return syscall.ENAMETOOLONG
	case ErrCodeInvalidHandle:
		return syscall.EBADF
	case ErrCodeFileInUse:
		return syscall.EBUSY
	case ErrCodeOutOfMemoryPosix:
		return syscall.ENOMEM
	default:
		return syscall.EIO
	}
}

// Errno extracts the code from err (if it is, or wraps, an *Error) and maps
// it with ErrnoFor. Unrecognized errors map to EIO.
func Errno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	var e *Error
	if castErr, ok := err.(*Error); ok {
		e = castErr
	} else if unwrapper, ok := err.(interface{ Unwrap() error }); ok {
		if inner, ok := unwrapper.Unwrap().(*Error); ok {
			e = inner
		}
	}
	if e == nil {
		return syscall.EIO
	}
	return ErrnoFor(e.Code)
}
