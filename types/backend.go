package types

import "strings"

// BackendID identifies one configured storage backend instance.
// The local backend always uses "local". Cloud drive backends use
// "aliyunpan:<user-id>" so several linked accounts can coexist; S3-compatible
// backends carry whatever id their config entry declares (e.g. "s3:minio-1").
type BackendID string

// Backend kinds, the part of a BackendID before the first colon.
const (
	KindLocal     = "local"
	KindS3        = "s3"
	KindAliyunpan = "aliyunpan"
)

// LocalBackendID is the fixed id of the local filesystem backend.
const LocalBackendID BackendID = "local"

// AliyunpanBackendID derives the backend id for a linked drive account.
func AliyunpanBackendID(userID string) BackendID {
	return BackendID(KindAliyunpan + ":" + userID)
}

// S3BackendID derives the backend id for a configured S3 entry.
func S3BackendID(name string) BackendID {
	return BackendID(KindS3 + ":" + name)
}

// Parse splits the id into (kind, qualifier). Ids without a colon have an
// empty qualifier and are their own kind.
func (id BackendID) Parse() (kind, qualifier string) {
	s := string(id)
	if i := strings.IndexByte(s, ':'); i >= 0 {
		return s[:i], s[i+1:]
	}
	return s, ""
}

// Kind returns the backend kind of the id.
func (id BackendID) Kind() string {
	kind, _ := id.Parse()
	return kind
}

// IsCloud reports whether the backend talks to a remote service. Used by the
// migration engine to pick the worker pool size.
func (id BackendID) IsCloud() bool {
	return id.Kind() != KindLocal
}

func (id BackendID) String() string { return string(id) }
