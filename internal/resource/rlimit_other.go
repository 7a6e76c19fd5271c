//go:build !unix

package resource

func openFileLimit() int64 { return DefaultFileHandleLimit }
