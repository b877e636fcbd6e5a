package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"

	"voxelrtp/internal/rtp"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "audit":
			auditCmd(os.Args[2:])
			return
		case "db":
			dbCmd(os.Args[2:])
			return
		case "worlds", "config", "stats":
			getCmd(os.Args[1], os.Args[2:])
			return
		case "reload":
			reloadCmd(os.Args[2:])
			return
		case "rtp":
			rtpCmd(os.Args[2:])
			return
		}
	}
	listCmd(os.Args[1:])
}

func listCmd(args []string) {
	fs := flag.NewFlagSet("admin", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	_ = fs.Parse(args)

	files, err := auditFiles(*dataDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read:", err)
		os.Exit(1)
	}
	for _, f := range files {
		fmt.Println(filepath.Base(f))
	}
}

func auditCmd(args []string) {
	fs := flag.NewFlagSet("audit", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	actor := fs.String("actor", "", "actor id filter (optional)")
	outcome := fs.String("outcome", "", "outcome filter, e.g. NOT_FOUND (optional)")
	world := fs.String("world", "", "world id filter (optional)")
	_ = fs.Parse(args)

	files, err := auditFiles(*dataDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read:", err)
		os.Exit(1)
	}
	f := auditFilter{
		Actor:   strings.TrimSpace(*actor),
		Outcome: strings.ToUpper(strings.TrimSpace(*outcome)),
		World:   strings.TrimSpace(*world),
	}
	for _, path := range files {
		recs, err := readAudit(path, f)
		if err != nil {
			fmt.Fprintln(os.Stderr, "audit:", err)
			os.Exit(1)
		}
		for _, r := range recs {
			printJSON(r)
		}
	}
}

type auditFilter struct {
	Actor   string
	Outcome string
	World   string
}

func (f auditFilter) match(r rtp.Record) bool {
	if f.Actor != "" && r.ActorID != f.Actor {
		return false
	}
	if f.Outcome != "" && r.Outcome != f.Outcome {
		return false
	}
	if f.World != "" && r.WorldID != f.World {
		return false
	}
	return true
}

// auditFiles lists the hourly outcome logs, oldest first.
func auditFiles(dataDir string) ([]string, error) {
	dir := filepath.Join(dataDir, "audit")
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range ents {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl.zst") {
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	sort.Strings(out)
	return out, nil
}

func readAudit(path string, f auditFilter) ([]rtp.Record, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()
	dec, err := zstd.NewReader(fh)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	var out []rtp.Record
	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var r rtp.Record
		if err := json.Unmarshal(line, &r); err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
		if f.match(r) {
			out = append(out, r)
		}
	}
	return out, sc.Err()
}

func printJSON(v any) {
	b, _ := json.Marshal(v)
	fmt.Println(string(b))
}
