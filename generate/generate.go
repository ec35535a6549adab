// Package generate implements the generator driver of spec.md §4.4: the
// session that owns a loaded model's weights, KV cache, and execution
// plan, and turns a prompt into a stream of decoded tokens. It is
// grounded on the teacher's Sequence/Server shape
// (runner/ollamarunner/runner_types.go, runner_compute.go) generalized
// from llama.cpp's cgo bindings to this module's own gpu/layer/kvcache
// stack, with the single-sequence scope spec.md §5 describes ("the KV
// cache is exclusive to the owning session").
package generate

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/dopplerml/core/execplan"
	"github.com/dopplerml/core/gpu"
	"github.com/dopplerml/core/gpu/cpuref"
	"github.com/dopplerml/core/gpu/kernel"
	"github.com/dopplerml/core/kvcache"
	"github.com/dopplerml/core/layer"
	"github.com/dopplerml/core/sample"
	"github.com/x448/float16"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Token is one streamed decode result. Err is non-nil on at most one
// value, after which decoding stops; text/ID are zero on that value. Any
// text still buffered for stop-sequence or UTF-8 completion may follow it
// as one last Text-only value before the channel closes.
type Token struct {
	Text string
	ID   int32
	Err  error
}

// Generator is a loaded-model session: one instance per concurrently
// active sequence, matching spec.md §5's "KV cache is exclusive to the
// owning session." Initialize and LoadModel are called once; Generate
// (and the fine-grained step contracts below) may be called repeatedly,
// but never concurrently with each other — the sem latch enforces that.
type Generator struct {
	dev  gpu.Device
	pool *gpu.Pool
	lib  *kernel.Library
	rt   execplan.RuntimeConfig

	weights *gpu.Registry
	cache   kvcache.Cache
	rope    *execplan.RopeTables
	model   execplan.ModelConfig
	plan    *execplan.ExecPlan
	guard   *execplan.FinitenessGuard
	engine  *layer.Engine
	logits  layer.LogitsHead

	tokenizer    Tokenizer
	stopTokenIDs map[int32]bool
	padTokenID   int32
	eosTokenID   int32

	loaded bool
	sem    *semaphore.Weighted

	// one-shot recovery flags. fusedSamplingDisabled is set by
	// decodeBatched when a device-sampled token fails the host bounds
	// check, and keeps device sampling off for the rest of the session.
	// fusedDecodeDisabled and recordedLogitsDisabled are not set or read
	// anywhere in this package.
	fusedDecodeDisabled    bool
	recordedLogitsDisabled bool
	fusedSamplingDisabled  bool

	seed uint64

	statsMu  sync.Mutex
	lastStat Stats
}

// NewGenerator constructs an unloaded session. Call Initialize then
// LoadModel before Generate.
func NewGenerator() *Generator {
	return &Generator{sem: semaphore.NewWeighted(1)}
}

// Initialize binds a GPU device and the session's runtime configuration
// (spec.md §6 "initialize(contexts): binds GPU device, sets runtime
// config, applies debug flags"). The kernel library's Ops is always the
// CPU reference implementation: this module ships no other backend, so
// there is nothing else for a real Device to delegate shader dispatch
// to yet.
func (g *Generator) Initialize(dev gpu.Device, rt execplan.RuntimeConfig, seed uint64) {
	g.dev = dev
	g.pool = gpu.NewPool(dev)
	g.lib = kernel.New(cpuref.NewOps(g.pool))
	g.rt = rt
	g.seed = seed
}

// LoadModel populates weights, compiles the layer plan, builds the KV
// cache, precomputes RoPE tables, and compiles the execution plan (spec
// §6 loadModel). Missing required manifest fields are fatal.
func (g *Generator) LoadModel(manifest Manifest) error {
	model := manifest.ModelConfig()
	if model.NumLayers <= 0 || model.HiddenSize <= 0 || model.VocabSize <= 0 {
		return &ConfigError{"manifest model config missing required dimensions"}
	}
	tok := manifest.Tokenizer()
	if tok == nil {
		return &ConfigError{"manifest did not provide a tokenizer"}
	}

	rt := g.rt
	if path := manifest.KernelPathOverride(); path != "" {
		rt.KernelPath = path
	} else {
		rt.KernelPath = execplan.DefaultKernelPath(model, rt)
	}
	plan, err := execplan.Compile(model, rt)
	if err != nil {
		return err
	}

	weights := gpu.NewRegistry()
	for _, w := range manifest.Weights() {
		if w.CPUResident {
			weights.PutCPUResident(w.Name, w.Data, w.Dtype, w.Layout, w.Shape)
			continue
		}
		buf := g.dev.CreateBuffer(len(w.Data), gpu.UsageStorage|gpu.UsageCopyDst)
		g.dev.WriteBuffer(buf, 0, w.Data)
		weights.Put(gpu.WeightEntry{Name: w.Name, Buf: buf, Dtype: w.Dtype, Layout: w.Layout, Shape: w.Shape, Quant: w.Quant})
	}

	// spec.md §4.3: KV dtype is forced to f32 when the device has no f16
	// support, or the model has an attention logit softcap, regardless of
	// what the session otherwise requested; a session's own f16/f32
	// choice stands in every other case.
	if forced := execplan.DefaultKVDType(model, g.dev.Limits().SupportsF16, true); forced == gpu.DTypeF32 {
		rt.KVDtype = gpu.DTypeF32
	}

	cache := kvcache.New(kvcache.Options{
		Layout:       rt.KVLayout.Layout,
		PageSize:     rt.KVLayout.PageSize,
		WindowSize:   rt.KVLayout.WindowSize,
		HotPages:     rt.KVLayout.TieredHotPages,
		EvictMode:    rt.KVLayout.TieredEvict,
		WindowTokens: rt.KVLayout.WindowSize,
		BasisCount:   rt.KVLayout.BasisCount,
		MaxSeqLen:    model.MaxSeqLen,
	}, nil)
	if err := cache.Init(g.dev, g.pool, model.NumLayers, model.NumKVHeads, model.EffectiveHeadDim(), rt.KVDtype, model.MaxSeqLen); err != nil {
		return fmt.Errorf("generate: kv cache init: %w", err)
	}

	blockPlan, err := layer.CompileCanonicalPlan(model.SandwichNorm)
	if err != nil {
		return fmt.Errorf("generate: compiling layer plan: %w", err)
	}

	stopIDs := make(map[int32]bool, len(manifest.StopTokenIDs()))
	for _, id := range manifest.StopTokenIDs() {
		stopIDs[id] = true
	}

	g.rt = rt
	g.model = model
	g.weights = weights
	g.cache = cache
	g.rope = rTables(execplan.BuildRopeTables(model))
	g.plan = plan
	g.guard = execplan.NewFinitenessGuard(rt.Finiteness)
	g.engine = layer.NewEngine(blockPlan)
	g.tokenizer = tok
	g.stopTokenIDs = stopIDs
	g.padTokenID = manifest.PadTokenID()
	g.eosTokenID = manifest.EOSTokenID()
	g.loaded = true
	return nil
}

func rTables(t execplan.RopeTables) *execplan.RopeTables { return &t }

// Unload closes the KV cache, releasing its buffers, and marks the
// session unloaded. Weight buffers are not released: the registry keeps
// them, and gpu.Device has no call that frees a buffer.
func (g *Generator) Unload() {
	if !g.loaded {
		return
	}
	g.cache.Close()
	g.loaded = false
}

func (g *Generator) getStats(st Stats) Stats {
	g.statsMu.Lock()
	g.lastStat = st
	g.statsMu.Unlock()
	return st
}

// newContext assembles a layer.Context for one forward pass; lc.LayerIdx
// must be set by the caller before each block.
func (g *Generator) newContext(rec gpu.Recorder, positions, tokenIDs []int32) *layer.Context {
	active := g.plan.Active()
	return &layer.Context{
		Lib:      g.lib,
		Rec:      rec,
		Dev:      g.dev,
		Pool:     g.pool,
		Weights:  g.weights,
		Cache:    g.cache,
		Rope:     g.rope,
		Model:    g.model,
		Path:     active.KernelPath,
		Guard:    g.guard,
		ActDtype: active.ActivationDtype,
		Positions: positions,
		TokenIDs:  tokenIDs,

		AllowFusedQKV: g.rt.AllowFusedQKV,
	}
}

func (g *Generator) uploadIDs(rec gpu.Recorder, ids []int32) gpu.Tensor {
	buf := g.pool.Acquire(len(ids)*4, gpu.UsageStorage|gpu.UsageCopyDst)
	g.dev.WriteBuffer(buf, 0, gpu.EncodeI32(ids))
	t := gpu.Tensor{Buf: buf, Dtype: gpu.DTypeI32, Shape: gpu.Shape{len(ids)}}
	if rec != nil {
		rec.Track(t)
	}
	return t
}

// runBlocks pushes x through every transformer block in order, mutating
// lc.LayerIdx as it goes (spec.md §4.2's per-step orchestration: one
// StartForward per forward pass, one SetLayer/Put/Get per block within
// it — StartForward itself is the caller's job, done once before this
// runs).
func (g *Generator) runBlocks(ctx context.Context, lc *layer.Context, x gpu.Tensor) (gpu.Tensor, error) {
	for l := 0; l < g.model.NumLayers; l++ {
		lc.LayerIdx = l
		out, err := g.engine.Forward(ctx, lc, x)
		if err != nil {
			return gpu.Tensor{}, err
		}
		x = out
	}
	return x, nil
}

// forwardStep runs one full pass — embedding, every block, the logits
// head — over ids at positions, registering the step with the KV cache
// first. When ids has more than one row (prefill), only the last row's
// hidden state is projected to logits (spec.md §4.4.1).
func (g *Generator) forwardStep(ctx context.Context, rec gpu.Recorder, ids, positions []int32) (gpu.Tensor, error) {
	if err := g.cache.StartForward(positions); err != nil {
		return gpu.Tensor{}, err
	}
	lc := g.newContext(rec, positions, ids)

	idxT := g.uploadIDs(rec, ids)
	x, err := layer.Embed(lc, idxT, len(ids), g.model.ScaleEmbeddings)
	if err != nil {
		return gpu.Tensor{}, err
	}

	x, err = g.runBlocks(ctx, lc, x)
	if err != nil {
		return gpu.Tensor{}, err
	}
	if len(ids) > 1 {
		x = layer.LastRow(ctx, lc, x)
	}
	return g.logits.Forward(ctx, lc, x)
}

// hostF32 reads back a logits/activation tensor as a flat float32 slice,
// widening f16 the same way layer.readF32 does for its own package-local
// reads — duplicated here rather than exported across the package
// boundary since each caller owns a tiny, self-contained readback.
func hostF32(ctx context.Context, dev gpu.Device, t gpu.Tensor) ([]float32, error) {
	raw, err := dev.MapAsync(ctx, t.Buf)
	if err != nil {
		return nil, err
	}
	defer dev.Unmap(t.Buf)

	switch t.Dtype {
	case gpu.DTypeF32, gpu.DTypeOther:
		out := make([]float32, len(raw)/4)
		for i := range out {
			u := uint32(raw[4*i]) | uint32(raw[4*i+1])<<8 | uint32(raw[4*i+2])<<16 | uint32(raw[4*i+3])<<24
			out[i] = math.Float32frombits(u)
		}
		return out, nil
	case gpu.DTypeF16:
		out := make([]float32, len(raw)/2)
		for i := range out {
			u := uint16(raw[2*i]) | uint16(raw[2*i+1])<<8
			out[i] = float16.Frombits(u).Float32()
		}
		return out, nil
	default:
		return nil, fmt.Errorf("generate: unsupported logits dtype %s", t.Dtype)
	}
}

// prefillKVOnly runs the prompt through the model to populate the KV
// cache and advance the sequence length, without computing logits at
// all, then returns a cloneable snapshot (spec.md §4.4).
func (g *Generator) prefillKVOnly(ctx context.Context, ids []int32) (*kvcache.Snapshot, error) {
	if !g.loaded {
		return nil, ErrNotLoaded
	}
	positions := g.nextPositions(len(ids))
	rec := g.dev.NewRecorder(false, g.pool)
	defer rec.Close()

	if err := g.cache.StartForward(positions); err != nil {
		return nil, err
	}
	lc := g.newContext(rec, positions, ids)
	idxT := g.uploadIDs(rec, ids)
	x, err := layer.Embed(lc, idxT, len(ids), g.model.ScaleEmbeddings)
	if err != nil {
		return nil, err
	}
	if _, err := g.runBlocks(ctx, lc, x); err != nil {
		return nil, err
	}
	rec.Submit()
	if err := rec.Wait(ctx); err != nil {
		return nil, err
	}
	return g.cache.Snapshot()
}

// prefillWithLogits runs a full prefill and returns the last position's
// logits as a host float32 slice.
func (g *Generator) prefillWithLogits(ctx context.Context, ids []int32) ([]float32, error) {
	if !g.loaded {
		return nil, ErrNotLoaded
	}
	positions := g.nextPositions(len(ids))
	rec := g.dev.NewRecorder(false, g.pool)
	defer rec.Close()

	logitsT, err := g.forwardStep(ctx, rec, ids, positions)
	if err != nil {
		return nil, err
	}
	rec.Submit()
	if err := rec.Wait(ctx); err != nil {
		return nil, err
	}
	return hostF32(ctx, g.dev, logitsT)
}

// EmbeddingMode selects prefillWithEmbedding's pooling strategy.
type EmbeddingMode string

const (
	EmbeddingLast EmbeddingMode = "last"
	EmbeddingMean EmbeddingMode = "mean"
)

// prefillWithEmbedding runs a full prefill and returns a pooled hidden
// state normalized by the final RMSNorm (spec.md §4.4's auxiliary
// contract), not a logits projection.
func (g *Generator) prefillWithEmbedding(ctx context.Context, ids []int32, mode EmbeddingMode) ([]float32, error) {
	if !g.loaded {
		return nil, ErrNotLoaded
	}
	positions := g.nextPositions(len(ids))
	rec := g.dev.NewRecorder(false, g.pool)
	defer rec.Close()

	if err := g.cache.StartForward(positions); err != nil {
		return nil, err
	}
	lc := g.newContext(rec, positions, ids)
	idxT := g.uploadIDs(rec, ids)
	x, err := layer.Embed(lc, idxT, len(ids), g.model.ScaleEmbeddings)
	if err != nil {
		return nil, err
	}
	x, err = g.runBlocks(ctx, lc, x)
	if err != nil {
		return nil, err
	}

	var pooled gpu.Tensor
	if mode == EmbeddingMean {
		pooled = layer.MeanPool(ctx, lc, x)
	} else {
		pooled = layer.LastRow(ctx, lc, x)
	}
	normed, err := g.logits.Normalize(lc, pooled)
	if err != nil {
		return nil, err
	}

	rec.Submit()
	if err := rec.Wait(ctx); err != nil {
		return nil, err
	}
	return hostF32(ctx, g.dev, normed)
}

// decodeStepLogits runs one single-token forward pass at the current
// sequence position and returns host logits, without sampling or
// advancing any driver-side bookkeeping beyond the KV cache append
// StartForward itself performs.
func (g *Generator) decodeStepLogits(ctx context.Context, tokenID int32) ([]float32, error) {
	if !g.loaded {
		return nil, ErrNotLoaded
	}
	positions := g.nextPositions(1)
	rec := g.dev.NewRecorder(false, g.pool)
	defer rec.Close()

	logitsT, err := g.forwardStep(ctx, rec, []int32{tokenID}, positions)
	if err != nil {
		return nil, err
	}
	rec.Submit()
	if err := rec.Wait(ctx); err != nil {
		return nil, err
	}
	return hostF32(ctx, g.dev, logitsT)
}

// advanceWithToken is decodeStepLogits plus sampling: it runs the step,
// samples the next token, and returns it.
func (g *Generator) advanceWithToken(ctx context.Context, tokenID int32, emitted []int32, opts Options) (int32, []float32, error) {
	logits, err := g.decodeStepLogits(ctx, tokenID)
	if err != nil {
		return 0, nil, err
	}
	next := g.sampleToken(logits, emitted, opts)
	return next, logits, nil
}

// advanceWithTokenAndEmbedding runs one decode step and returns both the
// sampled next token and the step's pooled (last-row) hidden state.
func (g *Generator) advanceWithTokenAndEmbedding(ctx context.Context, tokenID int32, emitted []int32, opts Options) (int32, []float32, []float32, error) {
	if !g.loaded {
		return 0, nil, nil, ErrNotLoaded
	}
	positions := g.nextPositions(1)
	rec := g.dev.NewRecorder(false, g.pool)
	defer rec.Close()

	if err := g.cache.StartForward(positions); err != nil {
		return 0, nil, nil, err
	}
	lc := g.newContext(rec, positions, []int32{tokenID})
	idxT := g.uploadIDs(rec, []int32{tokenID})
	x, err := layer.Embed(lc, idxT, 1, g.model.ScaleEmbeddings)
	if err != nil {
		return 0, nil, nil, err
	}
	x, err = g.runBlocks(ctx, lc, x)
	if err != nil {
		return 0, nil, nil, err
	}
	logitsT, err := g.logits.Forward(ctx, lc, x)
	if err != nil {
		return 0, nil, nil, err
	}

	rec.Submit()
	if err := rec.Wait(ctx); err != nil {
		return 0, nil, nil, err
	}

	var logits, hidden []float32
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		var err error
		logits, err = hostF32(egCtx, g.dev, logitsT)
		return err
	})
	eg.Go(func() error {
		var err error
		hidden, err = hostF32(egCtx, g.dev, x)
		return err
	})
	if err := eg.Wait(); err != nil {
		return 0, nil, nil, err
	}

	next := g.sampleToken(logits, emitted, opts)
	return next, logits, hidden, nil
}

// generateWithPrefixKV rehydrates a snapshot captured by prefillKVOnly
// and continues generation with a new prompt appended (spec.md §4.4/§6).
func (g *Generator) generateWithPrefixKV(ctx context.Context, snap *kvcache.Snapshot, prompt string, opts Options) (<-chan Token, error) {
	if !g.loaded {
		return nil, ErrNotLoaded
	}
	if err := g.cache.Restore(ctx, snap); err != nil {
		return nil, fmt.Errorf("generate: restoring snapshot: %w", err)
	}
	return g.Generate(ctx, prompt, opts)
}

// nextPositions returns n sequential positions starting at the cache's
// current logical length.
func (g *Generator) nextPositions(n int) []int32 {
	start := int32(g.cache.SeqLen())
	positions := make([]int32, n)
	for i := range positions {
		positions[i] = start + int32(i)
	}
	return positions
}

// sampleToken applies repetition penalty then the configured sampling
// policy, always on the host: the kernel library's GPUSample has no
// top-p or repetition-penalty knobs (gpu/kernel/ops.go's SampleOpts),
// so any request using either must read logits back regardless. Every
// decode path samples through here except decodeBatched's device-sampling
// branch (canSampleOnDevice), which draws with GPUSample and checks each
// drawn token's bounds on the host instead.
func (g *Generator) sampleToken(logits []float32, emitted []int32, opts Options) int32 {
	penalty := opts.RepetitionPenalty
	if penalty == 0 {
		penalty = 1.0
	}
	sample.ApplyRepetitionPenalty(logits, emitted, penalty)

	g.seed++
	return sample.Sample(logits, sample.Options{
		Temperature:     opts.Temperature,
		TopK:            opts.TopK,
		TopP:            opts.TopP,
		GreedyThreshold: opts.GreedyThreshold,
		PadTokenID:      g.padTokenID,
		LogitSoftcap:    g.finalSoftcap(),
		Seed:            opts.Seed + g.seed,
	})
}

// finalSoftcap returns the model's final-logit softcap, or 0 if unset.
func (g *Generator) finalSoftcap() float32 {
	if g.model.FinalLogitSoftcapping != nil {
		return *g.model.FinalLogitSoftcapping
	}
	return 0
}

// canSampleOnDevice reports whether the configured sampling options fit
// entirely within kernel.SampleOpts (gpu/kernel/ops.go): no top-p, no
// repetition penalty, and the finiteness guard off (the guard needs the
// full host logit vector to scan, which defeats the point of sampling
// without a readback). decodeBatched uses this to decide whether a ring
// step can call GPUSample directly on the device-resident logits tensor
// instead of reading it back to sample on the host.
func (g *Generator) canSampleOnDevice(opts Options) bool {
	return opts.TopP <= 0 && (opts.RepetitionPenalty == 0 || opts.RepetitionPenalty == 1) && !g.guard.Enabled()
}

// shouldStop reports whether id terminates generation on its own (EOS or
// a configured stop token id).
func (g *Generator) shouldStop(id int32) bool {
	return id == g.eosTokenID || g.stopTokenIDs[id]
}

// Generate streams decoded text for prompt (spec.md §6). It acquires the
// session's isGenerating latch for the duration of the call and releases
// it unconditionally when the returned channel closes.
func (g *Generator) Generate(ctx context.Context, prompt string, opts Options) (<-chan Token, error) {
	if !g.loaded {
		return nil, ErrNotLoaded
	}
	if !g.sem.TryAcquire(1) {
		return nil, ErrAlreadyGenerating
	}

	out := make(chan Token, 8)
	go func() {
		defer g.sem.Release(1)
		defer close(out)
		g.runGenerate(ctx, prompt, opts, out)
	}()
	return out, nil
}

func (g *Generator) runGenerate(ctx context.Context, prompt string, opts Options, out chan<- Token) {
	if opts.UseChatTemplate {
		prompt = ApplyChatTemplate(g.model.ChatTemplateType, prompt)
	}

	ids, err := g.tokenizer.Encode(prompt)
	if err != nil {
		out <- Token{Err: fmt.Errorf("generate: tokenize: %w", err)}
		return
	}

	available := g.model.MaxSeqLen - g.cache.SeqLen()
	if len(ids) > available {
		switch opts.OnOverflow {
		case OnOverflowTruncateOldest:
			keep := available - 1
			if keep < 1 {
				keep = 1
			}
			if keep < len(ids) {
				ids = ids[len(ids)-keep:]
			}
		default:
			out <- Token{Err: ErrPromptTooLong}
			return
		}
	}

	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1
	}

	var stats Stats
	prefillStart := time.Now()

	logits, err := g.prefillWithFallback(ctx, ids)
	stats.PrefillTimeMs = float64(time.Since(prefillStart).Milliseconds())
	if err != nil {
		out <- Token{Err: err}
		return
	}

	emitted := make([]int32, 0, maxTokens)
	acc := newPieceAccumulator(opts.StopSequences)

	ttftStart := time.Now()
	tok := g.sampleToken(logits, emitted, opts)
	stats.TTFTMs = float64(time.Since(ttftStart).Milliseconds())
	emitted = append(emitted, tok)

	if !g.emitToken(out, acc, tok) || g.shouldStop(tok) {
		g.finish(out, acc, stats)
		return
	}

	useBatched := opts.BatchSize > 1 && opts.StopCheckMode != "" && !isBDPA(g.cache)
	if useBatched {
		g.decodeBatched(ctx, tok, emitted, opts, maxTokens, acc, out, &stats)
	} else {
		g.decodeSingle(ctx, tok, emitted, opts, maxTokens, acc, out, &stats)
	}
}

func isBDPA(c kvcache.Cache) bool {
	_, ok := c.(kvcache.TokenAware)
	return ok
}

// prefillWithFallback runs the prefill step, rewinding the KV cache and
// retrying on the fallback plan if the finiteness guard trips (spec.md
// §4.4.4).
func (g *Generator) prefillWithFallback(ctx context.Context, ids []int32) ([]float32, error) {
	priorLen := int32(g.cache.SeqLen())
	positions := g.nextPositions(len(ids))

	rec := g.dev.NewRecorder(false, g.pool)
	logitsT, err := g.forwardStep(ctx, rec, ids, positions)
	if err != nil {
		rec.Close()
		return nil, err
	}
	rec.Submit()
	if err := rec.Wait(ctx); err != nil {
		rec.Close()
		return nil, err
	}
	logits, err := hostF32(ctx, g.dev, logitsT)
	rec.Close()
	if err != nil {
		return nil, err
	}

	if g.guard.Enabled() {
		if status := g.guard.Scan(logits, 0, 0); status.Triggered {
			if triggerErr := g.plan.Trigger(); triggerErr != nil {
				return nil, &FinitenessError{Layer: status.Layer, Step: status.Step}
			}
			if err := g.cache.Remove(priorLen, math.MaxInt32); err != nil && err != kvcache.ErrNotSupported {
				return nil, fmt.Errorf("generate: rewinding cache after fallback: %w", err)
			}
			return g.prefillWithFallback(ctx, ids)
		}
	}
	return logits, nil
}

// decodeSingle runs the single-token fused/CPU decode loop (spec.md
// §4.4.2) until a stop condition or maxTokens is reached.
func (g *Generator) decodeSingle(ctx context.Context, lastTok int32, emitted []int32, opts Options, maxTokens int, acc *pieceAccumulator, out chan<- Token, stats *Stats) {
	step := 0
	for len(emitted) < maxTokens {
		if err := ctx.Err(); err != nil {
			break
		}
		step++
		stepStart := time.Now()

		priorLen := int32(g.cache.SeqLen())
		logits, err := g.decodeStepLogits(ctx, lastTok)
		computeMs := float64(time.Since(stepStart).Milliseconds())

		if err != nil {
			out <- Token{Err: err}
			g.finish(out, acc, *stats)
			return
		}

		if g.guard.Enabled() {
			if status := g.guard.Scan(logits, 0, step); status.Triggered {
				if triggerErr := g.plan.Trigger(); triggerErr != nil {
					out <- Token{Err: &FinitenessError{Layer: status.Layer, Step: status.Step}}
					g.finish(out, acc, *stats)
					return
				}
				_ = g.cache.Remove(priorLen, math.MaxInt32)
				continue
			}
		}

		samplingStart := time.Now()
		tok := g.sampleToken(logits, emitted, opts)
		samplingMs := float64(time.Since(samplingStart).Milliseconds())

		stats.DecodeTimeMs += computeMs + samplingMs
		stats.DecodeProfileSteps = append(stats.DecodeProfileSteps, DecodeStepProfile{
			StepIndex: step, ComputeMs: computeMs, SamplingMs: samplingMs, TokensEmitted: 1,
		})

		emitted = append(emitted, tok)
		lastTok = tok
		if !g.emitToken(out, acc, tok) || g.shouldStop(tok) {
			break
		}
	}
	g.finish(out, acc, *stats)
}

// decodeBatched runs the batched-decode ring path (spec.md §4.4.2): one
// recorder amortizes command submission across the whole B*K ring
// (gpu.Recorder's own contract: "create a new one per prefill / per
// decode step (or per B*K batched-decode steps)"), so every step's
// forward pass is appended to the same recorder instead of its own
// submit/wait round trip. When the configured sampling options fit
// entirely on the device (canSampleOnDevice), each step's token is drawn
// by the recorded GPUSample kernel directly off the still-device-resident
// logits tensor and chained straight into the next step's embedding
// lookup, so the ring does one Submit/Wait for the whole batch and one
// host readback at the end for stop-sequence decoding — not one per
// step. Top-p, a real repetition penalty, or an enabled finiteness guard
// all require the full host logit vector, so a ring carrying any of
// those still reads logits back once per step (same cost as the
// single-token path), but still inside the one shared recorder.
func (g *Generator) decodeBatched(ctx context.Context, lastTok int32, emitted []int32, opts Options, maxTokens int, acc *pieceAccumulator, out chan<- Token, stats *Stats) {
	perToken := opts.StopCheckMode == execplan.StopCheckPerToken && opts.ReadbackInterval <= 1
	devSample := g.canSampleOnDevice(opts)

	for len(emitted) < maxTokens {
		if err := ctx.Err(); err != nil {
			break
		}
		remaining := maxTokens - len(emitted)
		batchSize := opts.BatchSize
		k := opts.ReadbackInterval
		if k < 1 {
			k = 1
		}
		if batchSize*k > remaining {
			batchSize = (remaining + k - 1) / k
			if batchSize < 1 {
				batchSize = 1
			}
		}

		ring := newDecodeRing(batchSize, k, perToken, lastTok)
		priorLen := int32(g.cache.SeqLen())
		batchStart := time.Now()

		rec := g.dev.NewRecorder(false, g.pool)
		var finite execplan.FinitenessStatus
		triggered := false
		var stepErr error
		for i := 1; i <= ring.size; i++ {
			positions := g.nextPositions(1)
			logitsT, err := g.forwardStep(ctx, rec, []int32{ring.tokens[i-1]}, positions)
			if err != nil {
				stepErr = err
				break
			}

			var tok int32
			sampled := false
			if devSample && !g.fusedSamplingDisabled {
				g.seed++
				tok = g.lib.GPUSample(rec, logitsT, g.model.VocabSize, kernel.SampleOpts{
					Temperature:  opts.Temperature,
					TopK:         opts.TopK,
					PadTokenID:   g.padTokenID,
					LogitSoftcap: g.finalSoftcap(),
					Seed:         opts.Seed + g.seed,
				})
				// A device-drawn token outside [0, vocabSize) or equal to
				// the pad id turns device sampling off for the session and
				// is re-sampled on the host below.
				if tok >= 0 && int(tok) < g.model.VocabSize && tok != g.padTokenID {
					sampled = true
				} else {
					g.fusedSamplingDisabled = true
				}
			}
			if !sampled {
				logits, err := hostF32(ctx, g.dev, logitsT)
				if err != nil {
					stepErr = err
					break
				}
				if g.guard.Enabled() {
					if status := g.guard.Scan(logits, 0, i); status.Triggered {
						finite, triggered = status, true
						break
					}
				}
				combined := append(append([]int32(nil), emitted...), ring.tokens[1:i]...)
				tok = g.sampleToken(logits, combined, opts)
			}

			ring.tokens[i] = tok
			if ring.stopFlags != nil {
				stepPos := int(priorLen) + i - 1
				ring.stopFlags[i] = g.lib.CheckStop(rec, tok, stepPos, maxTokens, g.eosTokenID) || g.shouldStop(tok)
			}
		}

		rec.Submit()
		waitErr := rec.Wait(ctx)
		rec.Close()

		if stepErr != nil {
			out <- Token{Err: stepErr}
			g.finish(out, acc, *stats)
			return
		}
		if waitErr != nil {
			out <- Token{Err: waitErr}
			g.finish(out, acc, *stats)
			return
		}

		if triggered {
			if triggerErr := g.plan.Trigger(); triggerErr != nil {
				out <- Token{Err: &FinitenessError{Layer: finite.Layer, Step: finite.Step}}
				g.finish(out, acc, *stats)
				return
			}
			_ = g.cache.Remove(priorLen, math.MaxInt32)
			continue
		}

		stopIDs := g.stopTokenIDs
		stopAt := ring.earliestStop(stopIDs)
		end := ring.size
		if stopAt >= 0 {
			end = stopAt
		}
		if end < ring.size {
			// The ring ran every one of its B*K steps against the KV
			// cache regardless of where the eventual stop landed;
			// release the pages/positions past the token we actually
			// yield so SeqLen only ever advances by tokens emitted.
			if err := g.cache.Remove(priorLen+int32(end), math.MaxInt32); err != nil && err != kvcache.ErrNotSupported {
				out <- Token{Err: fmt.Errorf("generate: rewinding cache after ring stop: %w", err)}
				g.finish(out, acc, *stats)
				return
			}
		}

		computeMs := float64(time.Since(batchStart).Milliseconds())
		stats.DecodeTimeMs += computeMs
		stats.DecodeProfileSteps = append(stats.DecodeProfileSteps, DecodeStepProfile{
			StepIndex: len(stats.DecodeProfileSteps) + 1, ComputeMs: computeMs, TokensEmitted: end,
		})

		stopped := false
		for i := 1; i <= end; i++ {
			emitted = append(emitted, ring.tokens[i])
			lastTok = ring.tokens[i]
			if !g.emitToken(out, acc, lastTok) {
				stopped = true
				break
			}
			if g.shouldStop(lastTok) {
				stopped = true
				break
			}
		}
		if stopAt >= 0 || stopped {
			break
		}
	}
	g.finish(out, acc, *stats)
}

// emitToken decodes one token id to text through the streaming
// accumulator and sends it; it returns false when a stop sequence just
// completed (the caller must not continue decoding).
func (g *Generator) emitToken(out chan<- Token, acc *pieceAccumulator, tok int32) bool {
	piece := g.tokenizer.DecodePiece(tok)
	text, stopped := acc.push(piece)
	if text != "" {
		out <- Token{Text: text, ID: tok}
	}
	return !stopped
}

func (g *Generator) finish(out chan<- Token, acc *pieceAccumulator, stats Stats) {
	if tail := acc.flush(); tail != "" {
		out <- Token{Text: tail}
	}
	for _, st := range stats.DecodeProfileSteps {
		stats.TokensGenerated += st.TokensEmitted
	}
	_ = g.getStats(stats)
}

// GetStats returns the most recently completed Generate call's timing
// summary (spec.md §6 getStats()). Safe to call concurrently with a new
// Generate call — it reads whatever the last completed call recorded.
func (g *Generator) GetStats() Stats {
	g.statsMu.Lock()
	defer g.statsMu.Unlock()
	return g.lastStat
}
