// Package queue turns an experiment file into QUEUED run records.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/animus-labs/hydraqueue/docstore"
	"github.com/animus-labs/hydraqueue/entrypoint"
	"github.com/animus-labs/hydraqueue/internal/confighash"
	"github.com/animus-labs/hydraqueue/internal/domain"
	"github.com/animus-labs/hydraqueue/internal/experimentfile"
	"github.com/animus-labs/hydraqueue/internal/keypath"
	"github.com/animus-labs/hydraqueue/internal/overrides"
	"github.com/animus-labs/hydraqueue/internal/resolution"
	"github.com/animus-labs/hydraqueue/internal/sources"
)

type Resolver interface {
	ResolveConfigs(ctx context.Context, req resolution.Request) (resolution.Response, error)
}

type Uploader interface {
	Upload(ctx context.Context, root string, paths []string, collection string, batchID int64) ([]sources.File, error)
}

type Options struct {
	Collection string
	ConfigFile string
	// File is used instead of reading ConfigFile when set.
	File *experimentfile.File
	// Directory is the working directory relative paths of the file are
	// resolved against. Defaults to the process working directory.
	Directory       string
	ForceDuplicates bool
	NoHash          bool
	NoSourceUpload  bool
}

type Result struct {
	BatchID int64
	IDs     []int64
	// Duplicates counts configs dropped within the batch, Existing those
	// already present in the collection.
	Duplicates int
	Existing   int
}

// Candidate is one config on its way into the collection.
type Candidate struct {
	// Config is the stored configuration.
	Config map[string]any
	// Overrides recompose Config inside the executable.
	Overrides []string
	Hash      string
}

type Queuer struct {
	store      docstore.Store
	resolver   Resolver
	uploader   Uploader
	translator overrides.Translator
	logger     *slog.Logger
	now        func() time.Time
}

type Option func(*Queuer)

func WithResolver(r Resolver) Option {
	return func(q *Queuer) { q.resolver = r }
}

func WithUploader(u Uploader) Option {
	return func(q *Queuer) { q.uploader = u }
}

func WithLogger(logger *slog.Logger) Option {
	return func(q *Queuer) { q.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(q *Queuer) { q.now = now }
}

func New(store docstore.Store, opts ...Option) *Queuer {
	q := &Queuer{store: store, translator: overrides.New(), logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Queue reads the experiment file, resolves and deduplicates its configs and
// inserts the new ones with consecutive ids and a shared batch id.
func (q *Queuer) Queue(ctx context.Context, opts Options) (Result, error) {
	if q == nil || q.store == nil {
		return Result{}, errors.New("queue not initialized")
	}
	if strings.TrimSpace(opts.Collection) == "" {
		return Result{}, errors.New("collection is required")
	}
	file, err := loadFile(opts)
	if err != nil {
		return Result{}, err
	}
	dir, err := workingDir(opts.Directory)
	if err != nil {
		return Result{}, err
	}

	generated, err := file.Generate()
	if err != nil {
		return Result{}, err
	}
	candidates, err := q.candidates(generated)
	if err != nil {
		return Result{}, err
	}

	sourcePaths := append([]string{file.Seml.Executable}, file.Seml.SourcePaths...)
	if file.Seml.Hydra {
		root, err := q.resolve(ctx, dir, file.Seml, candidates)
		if err != nil {
			return Result{}, err
		}
		sourcePaths = append(sourcePaths, root)
	}
	for i := range candidates {
		if candidates[i].Hash, err = confighash.Make(candidates[i].Config); err != nil {
			return Result{}, fmt.Errorf("config %d: %w", i, err)
		}
	}

	coll, err := q.store.Collection(ctx, opts.Collection)
	if err != nil {
		return Result{}, err
	}
	batchID, err := nextValue(ctx, coll, domain.FieldBatchID)
	if err != nil {
		return Result{}, err
	}

	var uploaded []sources.File
	if file.Seml.UseUploadedSources && !opts.NoSourceUpload {
		if q.uploader == nil {
			return Result{}, errors.New("source upload requested but no uploader is configured")
		}
		root := dir
		if file.Seml.ProjectRoot != "" {
			root = absolute(dir, file.Seml.ProjectRoot)
		}
		paths := make([]string, len(sourcePaths))
		for i, p := range sourcePaths {
			paths[i] = absolute(dir, p)
		}
		if uploaded, err = q.uploader.Upload(ctx, root, paths, opts.Collection, batchID); err != nil {
			return Result{}, fmt.Errorf("upload sources: %w", err)
		}
	}

	res := Result{BatchID: batchID}
	useHash := !opts.NoHash
	if !opts.ForceDuplicates {
		before := len(candidates)
		candidates = Deduplicate(candidates, useHash)
		res.Duplicates = before - len(candidates)
		unique := len(candidates)
		if candidates, err = FilterExperiments(ctx, coll, candidates, useHash); err != nil {
			return Result{}, err
		}
		res.Existing = unique - len(candidates)
		if res.Duplicates > 0 {
			q.logger.Info("dropped duplicate configs", "duplicates", res.Duplicates, "total", before)
		}
		if res.Existing > 0 {
			q.logger.Info("configs already in the collection were not added again", "existing", res.Existing, "total", unique)
		}
	}

	if err := coll.CreateIndex(ctx, domain.FieldConfigHash); err != nil {
		return Result{}, fmt.Errorf("create index: %w", err)
	}
	if len(candidates) == 0 {
		q.logger.Info("no new configs to queue", "collection", opts.Collection)
		return res, nil
	}

	seml := semlDocument(file.Seml, uploaded)
	slurm := file.Slurm
	if slurm == nil {
		slurm = map[string]any{"sbatch_options": map[string]any{}}
	}
	res.IDs, err = QueueConfigs(ctx, coll, seml, slurm, candidates, batchID, q.now().UTC())
	if err != nil {
		return Result{}, err
	}
	q.logger.Info("queued configs", "collection", opts.Collection, "batch_id", batchID, "count", len(res.IDs))
	return res, nil
}

func loadFile(opts Options) (experimentfile.File, error) {
	if opts.File != nil {
		if err := opts.File.Validate(); err != nil {
			return experimentfile.File{}, err
		}
		return *opts.File, nil
	}
	if strings.TrimSpace(opts.ConfigFile) == "" {
		return experimentfile.File{}, errors.New("config file is required")
	}
	return experimentfile.Read(opts.ConfigFile)
}

func workingDir(dir string) (string, error) {
	if dir == "" {
		return os.Getwd()
	}
	return filepath.Abs(dir)
}

func absolute(dir, p string) string {
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(dir, p)
}

// candidates pairs every generated config with the overrides that recompose
// it. Group overrides select config groups by name.
func (q *Queuer) candidates(generated []map[string]any) ([]Candidate, error) {
	out := make([]Candidate, 0, len(generated))
	for i, config := range generated {
		list, groups, err := q.translator.ConfigToOverrides(config)
		if err != nil {
			return nil, fmt.Errorf("config %d: %w", i, err)
		}
		flatGroups := keypath.Flatten(groups)
		for _, key := range keypath.SortedKeys(flatGroups) {
			value, err := overrides.FormatValue(flatGroups[key])
			if err != nil {
				return nil, fmt.Errorf("config %d: group %s: %w", i, key, err)
			}
			list = append(list, key+"="+value)
		}
		out = append(out, Candidate{Config: config, Overrides: list})
	}
	return out, nil
}

func (q *Queuer) resolve(ctx context.Context, dir string, seml experimentfile.Seml, candidates []Candidate) (string, error) {
	if q.resolver == nil {
		return "", errors.New("seml.hydra is set but no resolver is configured")
	}
	configs := make([]map[string]any, len(candidates))
	for i, c := range candidates {
		configs[i] = c.Config
	}
	resp, err := q.resolver.ResolveConfigs(ctx, resolution.Request{
		Directory:  dir,
		Executable: seml.Executable,
		Configs:    configs,
		Expected: entrypoint.Declaration{
			ConfigPath:  seml.ConfigPath,
			ConfigName:  seml.ConfigName,
			VersionBase: seml.VersionBase,
		},
	})
	if err != nil {
		return "", fmt.Errorf("resolve configs: %w", err)
	}
	if len(resp.Configs) != len(candidates) {
		return "", fmt.Errorf("resolve configs: expected %d configs, got %d", len(candidates), len(resp.Configs))
	}
	for i := range candidates {
		candidates[i].Config = resp.Configs[i]
	}
	return resp.ConfigRoot, nil
}

// nextValue is one past the largest value of field, or 1 for an empty
// collection.
func nextValue(ctx context.Context, coll docstore.Collection, field string) (int64, error) {
	current, ok, err := coll.MaxValue(ctx, field)
	if err != nil {
		return 0, fmt.Errorf("max %s: %w", field, err)
	}
	if !ok {
		return 1, nil
	}
	return current + 1, nil
}

// Deduplicate keeps the first occurrence of every config, compared by hash
// or, without hashing, by value.
func Deduplicate(candidates []Candidate, useHash bool) []Candidate {
	out := make([]Candidate, 0, len(candidates))
	seen := make(map[string]struct{}, len(candidates))
	for _, c := range candidates {
		if useHash {
			if _, dup := seen[c.Hash]; dup {
				continue
			}
			seen[c.Hash] = struct{}{}
			out = append(out, c)
			continue
		}
		dup := false
		for _, kept := range out {
			if docstore.Equal(kept.Config, c.Config) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, c)
		}
	}
	return out
}

// FilterExperiments drops candidates that already have a record in coll.
func FilterExperiments(ctx context.Context, coll docstore.Collection, candidates []Candidate, useHash bool) ([]Candidate, error) {
	out := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		_, err := coll.FindOne(ctx, lookup(c, useHash))
		switch {
		case errors.Is(err, docstore.ErrNotFound):
			out = append(out, c)
		case err != nil:
			return nil, fmt.Errorf("look up existing config: %w", err)
		}
	}
	return out, nil
}

func lookup(c Candidate, useHash bool) docstore.Filter {
	if useHash {
		return docstore.Filter{domain.FieldConfigHash: c.Hash}
	}
	flat := keypath.Flatten(c.Config)
	if len(flat) == 0 {
		return docstore.Filter{domain.FieldConfig: map[string]any{}}
	}
	filter := make(docstore.Filter, len(flat))
	for key, value := range flat {
		filter[domain.FieldConfig+"."+key] = value
	}
	return filter
}

// QueueConfigs inserts candidates as QUEUED records with ids following the
// largest id in coll.
func QueueConfigs(ctx context.Context, coll docstore.Collection, seml, slurm map[string]any, candidates []Candidate, batchID int64, queuedAt time.Time) ([]int64, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	startID, err := nextValue(ctx, coll, domain.FieldID)
	if err != nil {
		return nil, err
	}
	executable, _ := seml["executable"].(string)

	docs := make([]docstore.Document, 0, len(candidates))
	ids := make([]int64, 0, len(candidates))
	for i, c := range candidates {
		id := startID + int64(i)
		hash := c.Hash
		if hash == "" {
			if hash, err = confighash.Make(c.Config); err != nil {
				return nil, fmt.Errorf("config %d: %w", i, err)
			}
		}
		runSeml, _ := keypath.DeepCopy(seml).(map[string]any)
		runSeml["command"] = LaunchCommand(executable, c.Overrides, coll.Name(), id)
		docs = append(docs, docstore.Document{
			domain.FieldID:         id,
			domain.FieldBatchID:    batchID,
			domain.FieldStatus:     string(domain.StatusQueued),
			domain.FieldSeml:       runSeml,
			domain.FieldSlurm:      keypath.DeepCopy(slurm),
			domain.FieldConfig:     keypath.DeepCopy(c.Config),
			domain.FieldConfigHash: hash,
			domain.FieldQueueTime:  queuedAt,
		})
		ids = append(ids, id)
	}
	if err := coll.InsertMany(ctx, docs); err != nil {
		return nil, fmt.Errorf("insert runs: %w", err)
	}
	return ids, nil
}

// LaunchCommand is the command line that runs one queued config under
// observation.
func LaunchCommand(executable string, list []string, collection string, id int64) string {
	parts := []string{shellQuote(executable)}
	if strings.HasSuffix(executable, ".go") {
		parts = []string{"go", "run", shellQuote(executable)}
	}
	for _, o := range list {
		parts = append(parts, shellQuote(o))
	}
	parts = append(parts,
		"++"+domain.TrackingRunID+"="+strconv.FormatInt(id, 10),
		shellQuote("++"+domain.TrackingCollection+"="+collection),
	)
	return strings.Join(parts, " ")
}

func shellQuote(s string) string {
	if s != "" && strings.IndexFunc(s, unsafeShellRune) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func unsafeShellRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return false
	}
	return !strings.ContainsRune("-_./=+~:,@%", r)
}

func semlDocument(s experimentfile.Seml, uploaded []sources.File) map[string]any {
	doc := map[string]any{
		"executable": s.Executable,
		"hydra":      s.Hydra,
	}
	optional := map[string]string{
		"name":             s.Name,
		"working_dir":      s.WorkingDir,
		"output_dir":       s.OutputDir,
		"project_root_dir": s.ProjectRoot,
		"config_path":      s.ConfigPath,
		"config_name":      s.ConfigName,
		"version_base":     s.VersionBase,
	}
	for key, value := range optional {
		if value != "" {
			doc[key] = value
		}
	}
	if s.UseUploadedSources {
		doc["use_uploaded_sources"] = true
	}
	if len(uploaded) > 0 {
		files := make([]any, len(uploaded))
		for i, f := range uploaded {
			files[i] = f.Document()
		}
		doc["source_files"] = files
	}
	return doc
}
