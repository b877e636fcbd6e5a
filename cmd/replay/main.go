package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"

	"voxelrtp/internal/protocol"
	"voxelrtp/internal/rtp"
	"voxelrtp/internal/rtp/search"
	"voxelrtp/internal/sim/catalogs"
	"voxelrtp/internal/sim/multiworld"
	"voxelrtp/internal/sim/world"
)

// replay re-evaluates every successful teleport in the audit log against
// freshly generated terrain and reports locations that are no longer safe.
func main() {
	var (
		auditDir   = flag.String("audit", "./data/audit", "dir containing rtp-*.jsonl.zst")
		configDir  = flag.String("configs", "./configs", "config directory")
		worldsPath = flag.String("worlds", "", "worlds config (default: <configs>/worlds.yaml)")
		seed       = flag.Int64("seed", 1337, "base world seed the server ran with")
		actor      = flag.String("actor", "", "only check this actor (optional)")
	)
	flag.Parse()

	cats, err := catalogs.Load(*configDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load catalogs:", err)
		os.Exit(1)
	}
	wp := *worldsPath
	if wp == "" {
		wp = filepath.Join(*configDir, "worlds.yaml")
	}
	wcfg, err := multiworld.Load(wp)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load worlds:", err)
		os.Exit(1)
	}

	files, err := listAuditFiles(*auditDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, "list audit:", err)
		os.Exit(1)
	}
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "no audit files found in", *auditDir)
		os.Exit(1)
	}

	v := newVerifier(wcfg, *seed, cats)
	defer v.Close()

	var st stats
	for _, path := range files {
		if err := v.checkFile(path, strings.TrimSpace(*actor), &st); err != nil {
			fmt.Fprintln(os.Stderr, "replay:", err)
			os.Exit(1)
		}
	}
	fmt.Printf("replay: checked=%d skipped=%d mismatches=%d\n", st.Checked, st.Skipped, len(st.Mismatches))
	for _, m := range st.Mismatches {
		fmt.Println(m)
	}
	if len(st.Mismatches) > 0 {
		os.Exit(1)
	}
}

type stats struct {
	Checked    int
	Skipped    int
	Mismatches []string
}

type verifier struct {
	cfg    multiworld.Config
	seed   int64
	cats   *catalogs.Catalogs
	worlds map[string]*world.World
	cancel context.CancelFunc
	ctx    context.Context
}

func newVerifier(cfg multiworld.Config, seed int64, cats *catalogs.Catalogs) *verifier {
	ctx, cancel := context.WithCancel(context.Background())
	return &verifier{cfg: cfg, seed: seed, cats: cats, worlds: map[string]*world.World{}, ctx: ctx, cancel: cancel}
}

func (v *verifier) Close() {
	v.cancel()
	for _, w := range v.worlds {
		<-w.Done()
	}
}

// world starts a world loop lazily; nil means the id is not configured.
func (v *verifier) world(id string) (*world.World, error) {
	if w, ok := v.worlds[id]; ok {
		return w, nil
	}
	spec, ok := v.cfg.WorldSpecByID(id)
	if !ok {
		return nil, nil
	}
	w, err := world.New(spec.WorldConfig(v.seed), v.cats, zerolog.Nop())
	if err != nil {
		return nil, err
	}
	go func() { _ = w.Run(v.ctx) }()
	v.worlds[id] = w
	return w, nil
}

func (v *verifier) check(r rtp.Record, st *stats) error {
	if r.Outcome != protocol.OutcomeSuccess || r.Pos == nil {
		return nil
	}
	w, err := v.world(r.WorldID)
	if err != nil {
		return err
	}
	if w == nil {
		st.Skipped++
		return nil
	}
	ctx, cancel := context.WithTimeout(v.ctx, 5*time.Second)
	defer cancel()
	pos := *r.Pos
	got, err := w.EvaluateColumn(ctx, pos[0], pos[2])
	if err != nil {
		return err
	}
	st.Checked++
	if want := search.Safe(pos[1]); got != want {
		st.Mismatches = append(st.Mismatches, fmt.Sprintf("actor=%s world=%s pos=%v verdict=%+v", r.ActorID, r.WorldID, pos, got))
	}
	return nil
}

func (v *verifier) checkFile(path, actor string, st *stats) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()

	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 64*1024), 8*1024*1024)
	for sc.Scan() {
		var r rtp.Record
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			return fmt.Errorf("%s: unmarshal: %w", filepath.Base(path), err)
		}
		if actor != "" && r.ActorID != actor {
			continue
		}
		if err := v.check(r, st); err != nil {
			return fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
	}
	return sc.Err()
}

func listAuditFiles(dir string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(ents))
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, "rtp-") && strings.HasSuffix(name, ".jsonl.zst") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	out := make([]string, 0, len(names))
	for _, name := range names {
		out = append(out, filepath.Join(dir, name))
	}
	return out, nil
}
