package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/nbridge/internal/blob"
	"github.com/roach88/nbridge/internal/ir"
	"github.com/roach88/nbridge/internal/store"
)

// BlobOptions holds flags for the blob commands.
type BlobOptions struct {
	*RootOptions
	Database string
	Offset   int64
	Size     int64 // -1 reads to the end
	Output   string
}

// BlobInfo is the output of blob put and blob stat.
type BlobInfo struct {
	Handle ir.BlobHandle `json:"handle"`
	Size   int64         `json:"size"`
	CID    string        `json:"cid"`
}

// NewBlobCommand creates the blob command group.
func NewBlobCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &BlobOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "blob",
		Short: "Store and read blobs in the SQLite blob store",
		Long: `Store and read blobs in a SQLite blob database.

The database is --db, or blobs.path / journal.path from the config file.
Identical payloads are stored once, keyed by content id.

Examples:
  bridgectl blob put --db ./blobs.db ./photo.jpg
  bridgectl blob stat --db ./blobs.db <handle>
  bridgectl blob get --db ./blobs.db <handle> --offset 10 --size 100 -o part.bin`,
	}

	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "path to SQLite blob database")

	put := &cobra.Command{
		Use:           "put <file>",
		Short:         "Store a file and print its handle",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBlobPut(opts, args[0], cmd)
		},
	}

	get := &cobra.Command{
		Use:           "get <handle>",
		Short:         "Write a blob range to stdout or a file",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBlobGet(opts, ir.BlobHandle(args[0]), cmd)
		},
	}
	get.Flags().Int64Var(&opts.Offset, "offset", 0, "first byte to read")
	get.Flags().Int64Var(&opts.Size, "size", -1, "number of bytes to read (-1 for the rest)")
	get.Flags().StringVarP(&opts.Output, "output", "o", "", "write to this file instead of stdout")

	stat := &cobra.Command{
		Use:           "stat <handle>",
		Short:         "Print a blob's size and content id",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBlobStat(opts, ir.BlobHandle(args[0]), cmd)
		},
	}

	cmd.AddCommand(put, get, stat)
	return cmd
}

func (o *BlobOptions) openStore() (*store.Store, *blob.Store, error) {
	path := o.Database
	if path == "" {
		path = o.Config.BlobPath()
	}
	if path == "" {
		return nil, nil, NewExitError(ExitCommandError, "no blob database: pass --db or set blobs.path in the config")
	}

	st, err := store.Open(path)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return st, blob.NewStore(st.Blobs()), nil
}

func runBlobPut(opts *BlobOptions, path string, cmd *cobra.Command) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read file", err)
	}

	st, blobs, err := opts.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := context.Background()
	h, err := blobs.Store(ctx, data)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to store blob", err)
	}
	info, err := blobs.Stat(ctx, h)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to stat blob", err)
	}

	out := opts.formatter(cmd.OutOrStdout(), cmd.ErrOrStderr())
	out.VerboseLog("stored %d bytes from %s", len(data), path)
	return outputBlobInfo(out, info)
}

func runBlobStat(opts *BlobOptions, h ir.BlobHandle, cmd *cobra.Command) error {
	st, blobs, err := opts.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	out := opts.formatter(cmd.OutOrStdout(), cmd.ErrOrStderr())
	info, err := blobs.Stat(context.Background(), h)
	if err != nil {
		return blobError(out, h, err)
	}
	return outputBlobInfo(out, info)
}

func runBlobGet(opts *BlobOptions, h ir.BlobHandle, cmd *cobra.Command) error {
	st, blobs, err := opts.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := context.Background()
	out := opts.formatter(cmd.OutOrStdout(), cmd.ErrOrStderr())

	size := opts.Size
	if size < 0 {
		info, err := blobs.Stat(ctx, h)
		if err != nil {
			return blobError(out, h, err)
		}
		size = info.Size - opts.Offset
	}

	data, err := blobs.Resolve(ctx, h, opts.Offset, size)
	if err != nil {
		return blobError(out, h, err)
	}

	if opts.Output != "" {
		if err := os.WriteFile(opts.Output, data, 0644); err != nil {
			return WrapExitError(ExitCommandError, "failed to write output", err)
		}
		out.VerboseLog("wrote %d bytes to %s", len(data), opts.Output)
		return nil
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}

func outputBlobInfo(out *OutputFormatter, info blob.Info) error {
	bi := BlobInfo{Handle: info.Handle, Size: info.Size, CID: info.CID.String()}
	if out.Format == "json" {
		return out.Success(bi)
	}
	return out.Success(fmt.Sprintf("%s\t%d\t%s", bi.Handle, bi.Size, bi.CID))
}

// blobError reports a lookup failure and maps it to an exit code.
func blobError(out *OutputFormatter, h ir.BlobHandle, err error) error {
	code := "E_BACKEND"
	switch blob.Reason(err) {
	case "not_found":
		code = "E_NOT_FOUND"
	case "out_of_range":
		code = "E_OUT_OF_RANGE"
	}

	var re *blob.ResolveError
	var details any
	if errors.As(err, &re) {
		details = re
	}
	_ = out.Error(code, err.Error(), details)
	return WrapExitError(ExitFailure, fmt.Sprintf("blob %s", h), err)
}
