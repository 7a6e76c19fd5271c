// Package fs abstracts the file operations used by the log and the persisted
// segments so tests can inject I/O failures.
//
// Production code uses [Default]. Tests wrap it in a [FaultyFS]:
//
//	ffs := fs.NewFaultyFS(nil)
//	ffs.AddRule("log.wal", fs.Fault{FailAfterBytes: 128})
//
// The interfaces take no context.Context; local file calls are not
// interruptible. Remote storage goes through package blobstore instead.
package fs
