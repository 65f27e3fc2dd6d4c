// Package pipeline runs correction, UMI deduplication and matrix assembly
// over a stream of reads with sharded workers.
package pipeline

import (
	"context"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/glbala87/SPARC/internal/barcode"
	"github.com/glbala87/SPARC/internal/count"
	"github.com/glbala87/SPARC/internal/source"
	"github.com/glbala87/SPARC/internal/umi"
)

// DefaultMaxResidentUMIs is the spill bound the CLI uses.
const DefaultMaxResidentUMIs = 1 << 20

const (
	maxSplitFanout = 64
	maxSplitDepth  = 8
)

// Count modes.
const (
	Molecules = "molecules" // one per deduplicated molecule
	Reads     = "reads"     // summed reads of every molecule
)

// Config controls one run.
type Config struct {
	MaxMismatch int
	UMIDistance int
	CountMode   string

	Threads   int
	ChunkSize int // reads per work unit

	MaxResidentUMIs int    // per worker and per reduced partition; 0 never spills
	SpillDir        string // parent of the temporary spill directory
	Partitions      int    // reduction partitions

	CacheSize int // per-worker memo of raw barcode results; 0 disables

	Genes          []count.Gene // reference gene order
	CanonicalOrder bool         // order the barcode axis by the whitelist
}

func (c *Config) defaults() error {
	if c.Threads < 1 {
		c.Threads = 1
	}
	if c.ChunkSize < 1 {
		c.ChunkSize = 4096
	}
	if c.Partitions < 1 {
		c.Partitions = 16
	}
	switch c.CountMode {
	case "":
		c.CountMode = Molecules
	case Molecules, Reads:
	default:
		return errors.Errorf("unknown count mode %q", c.CountMode)
	}
	if c.UMIDistance < 0 {
		return errors.Errorf("negative UMI distance %d", c.UMIDistance)
	}
	if c.MaxResidentUMIs < 0 || c.CacheSize < 0 {
		return errors.New("negative resource bound")
	}
	return nil
}

// Run is one execution over one input. The caller owns it and may poll
// Stats from any goroutine.
type Run struct {
	ID  uuid.UUID
	cfg Config
	c   *barcode.Corrector
	log *log.Entry

	progress progress

	mu    sync.Mutex
	stats Stats
	done  bool
	peak  int // largest partition held for deduplication
}

// NewRun validates cfg and prepares a run against c.
func NewRun(cfg Config, c *barcode.Corrector) (*Run, error) {
	if c == nil {
		return nil, errors.New("nil corrector")
	}
	if err := cfg.defaults(); err != nil {
		return nil, err
	}
	id := uuid.New()
	return &Run{
		ID:  id,
		cfg: cfg,
		c:   c,
		log: log.WithField("run", id.String()),
	}, nil
}

// Stats returns the tallies so far, or the final ones once Execute has
// returned.
func (r *Run) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done {
		return r.stats
	}
	s := r.progress.snapshot()
	s.Filtered = r.stats.Filtered
	return s
}

// Execute consumes src and returns the finalized matrix. On cancellation
// or a source failure it returns a nil matrix and the error; Stats then
// holds the tallies up to that point. src is not closed.
func (r *Run) Execute(ctx context.Context, src source.Source) (*count.Matrix, error) {
	start := time.Now()
	r.log.WithFields(log.Fields{
		"threads":      r.cfg.Threads,
		"max_mismatch": r.cfg.MaxMismatch,
		"umi_distance": r.cfg.UMIDistance,
	}).Info("starting run")

	var sp *spiller
	if r.cfg.MaxResidentUMIs > 0 {
		var err error
		if sp, err = newSpiller(r.cfg.SpillDir, r.cfg.Partitions); err != nil {
			return nil, err
		}
		defer func() {
			if err := sp.cleanup(); err != nil {
				r.log.WithError(err).Warn("could not remove spill directory")
			}
		}()
	}

	shards, err := r.collect(ctx, src, sp)
	r.mu.Lock()
	r.stats = r.progress.snapshot()
	r.stats.Filtered = source.Filtered(src)
	if sp != nil {
		r.stats.Spills = sp.seq
	}
	r.mu.Unlock()
	if err != nil {
		r.finish()
		r.log.WithError(err).Warn("run aborted")
		return nil, err
	}

	m, err := r.reduce(ctx, shards, sp)
	if err != nil {
		r.finish()
		r.log.WithError(err).Warn("run aborted")
		return nil, err
	}
	r.mu.Lock()
	r.stats.Cells, r.stats.Genes = len(m.Barcodes), len(m.Genes)
	r.mu.Unlock()
	r.finish()

	s := r.Stats()
	r.log.WithFields(log.Fields{
		"reads":     s.Total,
		"valid":     s.Valid(),
		"molecules": s.Molecules,
		"cells":     s.Cells,
		"elapsed":   time.Since(start).Round(time.Millisecond),
	}).Info("run finished")
	return m, nil
}

func (r *Run) finish() {
	r.mu.Lock()
	r.done = true
	r.mu.Unlock()
}

// collect reads src in chunks and fans them out to the workers. Each
// worker accumulates its own buckets; they are returned unmerged.
func (r *Run) collect(ctx context.Context, src source.Source, sp *spiller) ([]*shard, error) {
	shards := make([]*shard, r.cfg.Threads)
	for w := range shards {
		s, err := newShard(r.cfg.CacheSize)
		if err != nil {
			return nil, err
		}
		shards[w] = s
	}

	g, ctx := errgroup.WithContext(ctx)
	chunks := make(chan []source.Read, r.cfg.Threads*2)

	g.Go(func() error {
		defer close(chunks)
		for {
			chunk := make([]source.Read, 0, r.cfg.ChunkSize)
			var srcErr error
			for len(chunk) < r.cfg.ChunkSize {
				read, err := src.Next()
				if err != nil {
					srcErr = err
					break
				}
				chunk = append(chunk, read)
			}
			if len(chunk) > 0 {
				select {
				case chunks <- chunk:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			if srcErr == io.EOF {
				return nil
			}
			if srcErr != nil {
				return errors.Wrap(srcErr, "source")
			}
		}
	})

	for _, s := range shards {
		s := s
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case chunk, ok := <-chunks:
					if !ok {
						return nil
					}
					s.process(r.c, r.cfg.MaxMismatch, chunk)
					r.progress.flush(&s.tally)
					if sp != nil && s.resident > r.cfg.MaxResidentUMIs {
						if err := sp.spill(s.buckets); err != nil {
							return err
						}
						s.reset()
					}
				}
			}
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return shards, nil
}

// shard is one worker's state.
type shard struct {
	buckets  map[Key]umi.Bucket
	resident int // distinct (key, umi) entries held
	tally    tally
	memo     *simplelru.LRU[string, barcode.Result]
}

func newShard(cacheSize int) (*shard, error) {
	s := &shard{buckets: make(map[Key]umi.Bucket)}
	if cacheSize > 0 {
		memo, err := simplelru.NewLRU[string, barcode.Result](cacheSize, nil)
		if err != nil {
			return nil, errors.Wrap(err, "barcode cache")
		}
		s.memo = memo
	}
	return s, nil
}

func (s *shard) match(c *barcode.Corrector, raw string, maxMismatch int) barcode.Result {
	if s.memo == nil {
		return c.Match(raw, maxMismatch)
	}
	if res, ok := s.memo.Get(raw); ok {
		return res
	}
	res := c.Match(raw, maxMismatch)
	s.memo.Add(raw, res)
	return res
}

func (s *shard) process(c *barcode.Corrector, maxMismatch int, chunk []source.Read) {
	for _, read := range chunk {
		res := s.match(c, read.Barcode, maxMismatch)
		s.tally.add(res.Status)
		if !res.Valid() {
			continue
		}
		k := Key{Barcode: res.Corrected, Gene: read.Gene}
		b := s.buckets[k]
		if b == nil {
			b = make(umi.Bucket, 1)
			s.buckets[k] = b
		}
		if _, seen := b[read.UMI]; !seen {
			s.resident++
		}
		b.Add(read.UMI, 1)
	}
}

func (s *shard) reset() {
	s.buckets = make(map[Key]umi.Bucket)
	s.resident = 0
}

type entry struct {
	key       Key
	value     uint32
	molecules int
}

// reduce merges the shards partition by partition, deduplicates every
// bucket and assembles the matrix.
func (r *Run) reduce(ctx context.Context, shards []*shard, sp *spiller) (*count.Matrix, error) {
	parts := make([]map[Key]umi.Bucket, r.cfg.Partitions)
	for p := range parts {
		parts[p] = make(map[Key]umi.Bucket)
	}
	for _, s := range shards {
		for k, b := range s.buckets {
			dst := parts[partitionOf(k, r.cfg.Partitions)]
			if have, ok := dst[k]; ok {
				have.Merge(b)
			} else {
				dst[k] = b
			}
		}
		s.reset()
	}

	var entries []entry
	for p := range parts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		buckets := parts[p]
		parts[p] = nil
		var out []entry
		var err error
		if sp == nil {
			out, err = r.dedupeResident(ctx, buckets)
		} else {
			out, err = r.reducePartition(ctx, sp, p, buckets)
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, out...)
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].key.Barcode != entries[j].key.Barcode {
			return entries[i].key.Barcode < entries[j].key.Barcode
		}
		return entries[i].key.Gene < entries[j].key.Gene
	})

	var opts []count.Option
	if len(r.cfg.Genes) > 0 {
		opts = append(opts, count.WithGenes(r.cfg.Genes))
	}
	if r.cfg.CanonicalOrder {
		opts = append(opts, count.WithBarcodeOrder(r.c.Whitelist().Barcodes()))
	}
	b := count.NewBuilder(opts...)
	var molecules uint64
	for _, e := range entries {
		molecules += uint64(e.molecules)
		if err := b.Add(e.key.Barcode, e.key.Gene, e.value); err != nil {
			return nil, err
		}
	}
	r.mu.Lock()
	r.stats.Buckets = uint64(len(entries))
	r.stats.Molecules = molecules
	r.mu.Unlock()
	return b.Build()
}

// reducePartition deduplicates partition p. When its resident and spilled
// entries together exceed MaxResidentUMIs it is written out and split on
// disk until each piece fits.
func (r *Run) reducePartition(ctx context.Context, sp *spiller, p int, buckets map[Key]umi.Bucket) ([]entry, error) {
	files := sp.files[p]
	size := resident(buckets) + sp.sizes[p]
	if size <= r.cfg.MaxResidentUMIs {
		if err := sp.load(files, buckets); err != nil {
			return nil, err
		}
		return r.dedupeResident(ctx, buckets)
	}
	if len(buckets) > 0 {
		path, err := sp.writeBuckets(buckets)
		if err != nil {
			return nil, err
		}
		files = append(files[:len(files):len(files)], path)
	}
	return r.reduceFiles(ctx, sp, files, size, 1)
}

// reduceFiles loads files once size fits the bound and splits them
// otherwise. A single bucket larger than the bound is loaded whole.
func (r *Run) reduceFiles(ctx context.Context, sp *spiller, files []string, size, level int) ([]entry, error) {
	if size <= r.cfg.MaxResidentUMIs || level > maxSplitDepth {
		buckets := make(map[Key]umi.Bucket)
		if err := sp.load(files, buckets); err != nil {
			return nil, err
		}
		return r.dedupeResident(ctx, buckets)
	}
	fanout := 2 * ((size + r.cfg.MaxResidentUMIs - 1) / r.cfg.MaxResidentUMIs)
	if fanout > maxSplitFanout {
		fanout = maxSplitFanout
	}
	subs, err := sp.split(files, level, fanout)
	if err != nil {
		return nil, err
	}
	r.log.WithFields(log.Fields{"level": level, "entries": size, "fanout": fanout}).Debug("split partition")

	var out []entry
	for _, sub := range subs {
		if sub == nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		next := level + 1
		if sub.single {
			next = maxSplitDepth + 1
		}
		e, err := r.reduceFiles(ctx, sp, sub.files, sub.size, next)
		if err != nil {
			return nil, err
		}
		out = append(out, e...)
	}
	return out, nil
}

func (r *Run) dedupeResident(ctx context.Context, buckets map[Key]umi.Bucket) ([]entry, error) {
	n := resident(buckets)
	r.mu.Lock()
	if n > r.peak {
		r.peak = n
	}
	r.mu.Unlock()
	return r.dedupe(ctx, buckets)
}

// dedupe clusters one partition's buckets on up to Threads goroutines.
func (r *Run) dedupe(ctx context.Context, buckets map[Key]umi.Bucket) ([]entry, error) {
	keys := make([]Key, 0, len(buckets))
	for k := range buckets {
		keys = append(keys, k)
	}
	out := make([]entry, len(keys))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Threads)
	step := (len(keys) + r.cfg.Threads - 1) / r.cfg.Threads
	for lo := 0; lo < len(keys); lo += step {
		lo, hi := lo, lo+step
		if hi > len(keys) {
			hi = len(keys)
		}
		g.Go(func() error {
			for i := lo; i < hi; i++ {
				if i%1024 == 0 {
					if err := ctx.Err(); err != nil {
						return err
					}
				}
				b := buckets[keys[i]]
				clusters := umi.Dedupe(b, r.cfg.UMIDistance)
				e := entry{key: keys[i], molecules: len(clusters), value: umi.Clamp(uint64(len(clusters)))}
				if r.cfg.CountMode == Reads {
					e.value = umi.Clamp(b.Reads())
				}
				out[i] = e
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
