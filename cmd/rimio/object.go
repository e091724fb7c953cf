package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

var objectCmd = &cobra.Command{
	Use:   "object",
	Short: "Read and write blobs against a running node's client surface",
}

func init() {
	objectPutCmd.Flags().String("addr", "localhost:7070", "Node API address")
	objectPutCmd.Flags().String("file", "", "File to upload; defaults to stdin")
	objectPutCmd.Flags().Int64("version", 0, "Explicit generation to write; omit to let the server pick next_generation")

	objectGetCmd.Flags().String("addr", "localhost:7070", "Node API address")
	objectGetCmd.Flags().Int64("version", 0, "Generation to read; only the current head's generation is served, any other value fails with not found; omit for the current head")
	objectGetCmd.Flags().Int64("start", -1, "Range start (inclusive); requires --end")
	objectGetCmd.Flags().Int64("end", -1, "Range end (inclusive); requires --start")
	objectGetCmd.Flags().String("output", "", "File to write the body to; defaults to stdout")

	objectRmCmd.Flags().String("addr", "localhost:7070", "Node API address")
	objectRmCmd.Flags().Int64("version", 0, "Generation to write the tombstone at; it must be newer than the current head, older generations cannot be tombstoned on their own; omit to tombstone the current head at next_generation")

	objectLsCmd.Flags().String("addr", "localhost:7070", "Node API address")
	objectLsCmd.Flags().String("prefix", "", "Only list paths with this prefix")
	objectLsCmd.Flags().Int("limit", 0, "Maximum entries to return; 0 for unlimited")
	objectLsCmd.Flags().Bool("include-tombstoned", false, "Include tombstoned heads in the listing")

	objectCmd.AddCommand(objectPutCmd, objectGetCmd, objectRmCmd, objectLsCmd)
}

var objectPutCmd = &cobra.Command{
	Use:   "put <path>",
	Short: "Upload a blob",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		file, _ := cmd.Flags().GetString("file")
		version, _ := cmd.Flags().GetInt64("version")

		var body io.Reader = os.Stdin
		if file != "" {
			f, err := os.Open(file)
			if err != nil {
				return fmt.Errorf("opening %s: %w", file, err)
			}
			defer f.Close()
			body = f
		}

		u := fmt.Sprintf("http://%s/objects/%s", addr, url.PathEscape(args[0]))
		if version > 0 {
			u += "?version=" + strconv.FormatInt(version, 10)
		}

		resp, err := apiRequest(http.MethodPut, u, body)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusCreated {
			return drainError(resp)
		}

		var out struct {
			Path         string `json:"path"`
			Version      int64  `json:"version"`
			BlobID       string `json:"blob_id"`
			ChunksStored uint32 `json:"chunks_stored"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
		fmt.Printf("stored %s at version %d (blob_id=%s, chunks=%d)\n", out.Path, out.Version, out.BlobID, out.ChunksStored)
		return nil
	},
}

var objectGetCmd = &cobra.Command{
	Use:   "get <path>",
	Short: "Read a blob, optionally by version or byte range",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		version, _ := cmd.Flags().GetInt64("version")
		start, _ := cmd.Flags().GetInt64("start")
		end, _ := cmd.Flags().GetInt64("end")
		output, _ := cmd.Flags().GetString("output")

		q := url.Values{}
		if version > 0 {
			q.Set("version", strconv.FormatInt(version, 10))
		}
		if start >= 0 && end >= 0 {
			q.Set("start", strconv.FormatInt(start, 10))
			q.Set("end", strconv.FormatInt(end, 10))
		}

		u := fmt.Sprintf("http://%s/objects/%s", addr, url.PathEscape(args[0]))
		if len(q) > 0 {
			u += "?" + q.Encode()
		}

		resp, err := apiRequest(http.MethodGet, u, nil)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return drainError(resp)
		}

		w := io.Writer(os.Stdout)
		if output != "" {
			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("creating %s: %w", output, err)
			}
			defer f.Close()
			w = f
		}
		if _, err := io.Copy(w, resp.Body); err != nil {
			return fmt.Errorf("writing body: %w", err)
		}
		return nil
	},
}

var objectRmCmd = &cobra.Command{
	Use:   "rm <path>",
	Short: "Tombstone a blob",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		version, _ := cmd.Flags().GetInt64("version")

		u := fmt.Sprintf("http://%s/objects/%s", addr, url.PathEscape(args[0]))
		if version > 0 {
			u += "?version=" + strconv.FormatInt(version, 10)
		}

		resp, err := apiRequest(http.MethodDelete, u, nil)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return drainError(resp)
		}
		fmt.Printf("deleted %s\n", args[0])
		return nil
	},
}

var objectLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List blob heads known to a node's locally-owned slots",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		prefix, _ := cmd.Flags().GetString("prefix")
		limit, _ := cmd.Flags().GetInt("limit")
		includeTombstoned, _ := cmd.Flags().GetBool("include-tombstoned")

		q := url.Values{}
		if prefix != "" {
			q.Set("prefix", prefix)
		}
		if limit > 0 {
			q.Set("limit", strconv.Itoa(limit))
		}
		if includeTombstoned {
			q.Set("include_tombstoned", "true")
		}

		u := fmt.Sprintf("http://%s/objects", addr)
		if len(q) > 0 {
			u += "?" + q.Encode()
		}

		resp, err := apiRequest(http.MethodGet, u, nil)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return drainError(resp)
		}

		var out struct {
			Objects []struct {
				Path       string `json:"path"`
				Generation int64  `json:"generation"`
				HeadKind   string `json:"head_kind"`
			} `json:"objects"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
		for _, o := range out.Objects {
			fmt.Printf("%s\tv%d\t%s\n", o.Path, o.Generation, o.HeadKind)
		}
		return nil
	},
}
