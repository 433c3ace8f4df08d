// Package rpcfs implements the server-side RPC action set: run a shell
// command, list filesystem roots, list a directory, read a file, write a
// file. It is an external collaborator per the protocol design — the
// multiplexer only ferries its request/response shapes — implemented here
// plainly, with no retries or caching.
package rpcfs

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/fabriclink/fabric/internal/wire"
)

// Handle dispatches a single RPC request to the matching filesystem/shell
// operation and returns the response to send back.
func Handle(req wire.RpcRequest) wire.RpcResponse {
	var result wire.RpcResult
	switch req.Action.Action {
	case wire.ActionRunCommand:
		result = wire.CommandOutputResult(runCommand(req.Action.Command))
	case wire.ActionListRoots:
		result = wire.RootsResult(listRoots())
	case wire.ActionListDirectory:
		entries, err := listDirectory(req.Action.Path)
		if err != nil {
			result = wire.ErrorResult(err.Error())
		} else {
			result = wire.DirectoryEntriesResult(req.Action.Path, entries)
		}
	case wire.ActionReadFile:
		content, err := os.ReadFile(req.Action.Path)
		if err != nil {
			result = wire.ErrorResult(err.Error())
		} else {
			result = wire.FileContentResult(req.Action.Path, string(content))
		}
	case wire.ActionWriteFile:
		if err := writeFile(req.Action.Path, req.Action.Content); err != nil {
			result = wire.ErrorResult(err.Error())
		} else {
			result = wire.WriteCompleteResult(req.Action.Path)
		}
	default:
		result = wire.ErrorResult("unknown rpc action: " + req.Action.Action)
	}
	return wire.RpcResponse{RequestID: req.RequestID, Result: result}
}

// runCommand runs command through the host shell and combines stdout and
// stderr into one string; the exit status is not surfaced.
func runCommand(command string) string {
	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.Command("powershell", "-Command", command)
	} else {
		cmd = exec.Command("sh", "-lc", command)
	}
	out, err := cmd.CombinedOutput()
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return "command execution failed: " + err.Error()
	}
	if len(out) == 0 {
		return "<no output>"
	}
	return string(out)
}

// listRoots returns every drive letter that exists on Windows, or "/"
// elsewhere.
func listRoots() []string {
	if runtime.GOOS != "windows" {
		return []string{"/"}
	}
	var roots []string
	for c := 'A'; c <= 'Z'; c++ {
		root := string(c) + `:\`
		if _, err := os.Stat(root); err == nil {
			roots = append(roots, root)
		}
	}
	return roots
}

func listDirectory(path string) ([]wire.DirectoryEntry, error) {
	dirEntries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	entries := make([]wire.DirectoryEntry, 0, len(dirEntries))
	for _, e := range dirEntries {
		entries = append(entries, wire.DirectoryEntry{
			Name:  e.Name(),
			Path:  filepath.Join(path, e.Name()),
			IsDir: e.IsDir(),
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsDir != entries[j].IsDir {
			return entries[i].IsDir // directories first
		}
		return strings.ToLower(entries[i].Name) < strings.ToLower(entries[j].Name)
	})
	return entries, nil
}

func writeFile(path, content string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, []byte(content), 0o644)
}
