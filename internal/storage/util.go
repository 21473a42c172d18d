package storage

// Describe returns a human readable location for a backend, used in logs.
func Describe(backend Backend) string {
	switch b := backend.(type) {
	case *LocalBackend:
		return b.BasePath()
	case *S3Backend:
		return "s3://" + b.Bucket()
	case *AzureBlobBackend:
		return "azure://" + b.Container()
	case *ResilientBackend:
		return Describe(b.Unwrap())
	default:
		return backend.Type()
	}
}
