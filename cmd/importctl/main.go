// importctl is an operator CLI for the import service. It drives the HTTP
// API as a real client: creating jobs, uploading files with resumable
// Content-Range chunks, and querying job status.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

var serverURL string

func main() {
	root := &cobra.Command{
		Use:   "importctl",
		Short: "Manage CSV import jobs",
		Long: `importctl talks to a running import server: create a job with a
field mapping, upload its file in resumable chunks, and inspect the
per-row outcome afterwards.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "base URL of the import server")

	root.AddCommand(newCreateCmd(), newUploadCmd(), newStatusCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newCreateCmd() *cobra.Command {
	var (
		collection string
		mappings   []string
		fileSize   int64
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new import job",
		Example: `  importctl create --collection leads \
      --map "First Name=firstName" --map "Email=email"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			fieldMapping := make(map[string]string, len(mappings))
			for _, m := range mappings {
				col, dest, ok := strings.Cut(m, "=")
				if !ok {
					return fmt.Errorf("invalid --map %q, want column=field", m)
				}
				fieldMapping[col] = dest
			}

			body, err := json.Marshal(map[string]any{
				"targetCollection": collection,
				"fieldMapping":     fieldMapping,
				"fileSize":         fileSize,
			})
			if err != nil {
				return err
			}

			resp, err := http.Post(serverURL+"/api/jobs", "application/json", bytes.NewReader(body))
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusCreated {
				return apiError(resp)
			}

			var created struct {
				ImportID string `json:"importId"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
			fmt.Println(created.ImportID)
			return nil
		},
	}

	cmd.Flags().StringVar(&collection, "collection", "", "target collection name (required)")
	cmd.Flags().StringArrayVar(&mappings, "map", nil, "column=field mapping entry (repeatable, required)")
	cmd.Flags().Int64Var(&fileSize, "file-size", 0, "declared file size in bytes")
	cmd.MarkFlagRequired("collection")
	cmd.MarkFlagRequired("map")

	return cmd
}

func newUploadCmd() *cobra.Command {
	var (
		jobID     string
		chunkSize int64
	)

	cmd := &cobra.Command{
		Use:   "upload <file>",
		Short: "Upload a file in resumable chunks",
		Long: `Uploads a file chunk by chunk with Content-Range headers. The server's
staged offset is probed first, so an interrupted upload picks up where it
left off; on an offset conflict the client re-probes and continues.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return uploadFile(jobID, args[0], chunkSize)
		},
	}

	cmd.Flags().StringVar(&jobID, "job", "", "import job id (required)")
	cmd.Flags().Int64Var(&chunkSize, "chunk-size", 4<<20, "chunk size in bytes")
	cmd.MarkFlagRequired("job")

	return cmd
}

func uploadFile(jobID, path string, chunkSize int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return err
	}
	total := fi.Size()
	uploadURL := fmt.Sprintf("%s/api/jobs/%s/upload", serverURL, jobID)

	offset, err := probeOffset(uploadURL)
	if err != nil {
		return err
	}
	if offset > 0 {
		fmt.Fprintf(os.Stderr, "resuming at byte %d of %d\n", offset, total)
	}

	client := &http.Client{}
	for offset < total {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return err
		}

		n := chunkSize
		if remaining := total - offset; remaining < n {
			n = remaining
		}

		req, err := http.NewRequest(http.MethodPatch, uploadURL, io.LimitReader(f, n))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, offset+n-1, total))
		req.Header.Set("X-File-Name", filepath.Base(path))
		req.ContentLength = n

		resp, err := client.Do(req)
		if err != nil {
			return err
		}

		switch resp.StatusCode {
		case http.StatusOK:
			var res struct {
				BytesReceived int64 `json:"bytesReceived"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
				resp.Body.Close()
				return fmt.Errorf("decode response: %w", err)
			}
			resp.Body.Close()
			offset = res.BytesReceived
			fmt.Fprintf(os.Stderr, "staged %d/%d bytes\n", offset, total)

		case http.StatusConflict:
			// The server knows better; continue from its staged size.
			var res struct {
				CurrentSize int64 `json:"currentSize"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
				resp.Body.Close()
				return fmt.Errorf("decode conflict response: %w", err)
			}
			resp.Body.Close()
			fmt.Fprintf(os.Stderr, "offset conflict, server has %d bytes\n", res.CurrentSize)
			offset = res.CurrentSize

		default:
			err := apiError(resp)
			resp.Body.Close()
			return err
		}
	}

	fmt.Printf("upload complete: %d bytes\n", total)
	return nil
}

func probeOffset(uploadURL string) (int64, error) {
	req, err := http.NewRequest(http.MethodHead, uploadURL, nil)
	if err != nil {
		return 0, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("probe failed: %s", resp.Status)
	}

	offset, err := strconv.ParseInt(resp.Header.Get("Upload-Offset"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad Upload-Offset header: %w", err)
	}
	return offset, nil
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show a job's status, counters and row ledger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := http.Get(fmt.Sprintf("%s/api/jobs/%s", serverURL, args[0]))
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				return apiError(resp)
			}

			var pretty bytes.Buffer
			raw, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			if err := json.Indent(&pretty, raw, "", "  "); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
			fmt.Println(pretty.String())
			return nil
		},
	}
}

// apiError turns an error response into a readable error.
func apiError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Error != "" {
		return fmt.Errorf("%s: %s", resp.Status, body.Error)
	}
	return fmt.Errorf("unexpected response: %s", resp.Status)
}
