// Package pipeline runs voice synthesis requests through the stage machine
// Resolve -> Embed -> BaseSynthesize -> ToneConvert -> Emit.
//
// A request stops at the first failing stage and is never retried. Engine
// stages run under their engine's guard, one guard at a time, so a request
// never waits for an engine while holding another.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/bobarin/voicegate/internal/audio"
	"github.com/bobarin/voicegate/internal/cache"
	"github.com/bobarin/voicegate/internal/guard"
	"github.com/bobarin/voicegate/internal/models"
	"github.com/bobarin/voicegate/internal/services"
	"github.com/bobarin/voicegate/internal/storage"
)

var (
	ErrInvalidRequest   = errors.New("invalid request")
	ErrVoiceNotFound    = errors.New("voice not found")
	ErrEmbeddingFailed  = errors.New("speaker embedding extraction failed")
	ErrSynthesisFailed  = errors.New("base synthesis failed")
	ErrConversionFailed = errors.New("tone conversion failed")
	ErrEmitFailed       = errors.New("failed to write output audio")
)

const (
	ModeFull          = "full"
	ModeBaseOnly      = "base_only"
	ModeDirectConvert = "direct_convert"
)

// Store is the subset of the reference store the pipeline needs.
type Store interface {
	Resolve(voiceLabel string) (string, error)
	ReadReference(path string) ([]byte, error)
	WriteArtifact(audio []byte) (*storage.Artifact, error)
}

// Recorder receives pipeline measurements. Implemented by the metrics collector.
type Recorder interface {
	ObserveStage(stage models.Stage, d time.Duration)
	RecordPipeline(mode string, err error)
	ObserveAudio(d time.Duration)
	RecordEmbeddingCache(hit bool)
}

type Deps struct {
	Store        Store
	Engines      services.Engines
	Guards       *guard.Set
	Cache        cache.Store // optional
	BaseSpeakers *BaseSpeakers
	Recorder     Recorder // optional
	Logger       *zap.Logger
}

type Pipeline struct {
	store    Store
	engines  services.Engines
	guards   *guard.Set
	cache    cache.Store
	speakers *BaseSpeakers
	recorder Recorder
	logger   *zap.Logger

	extractions singleflight.Group
}

// Result describes one completed request. The caller owns Artifact and
// must remove it once the audio has been delivered.
type Result struct {
	Artifact      *storage.Artifact
	Elapsed       time.Duration
	Device        string
	AudioDuration time.Duration
	Stages        []models.Stage
}

func New(deps Deps) *Pipeline {
	recorder := deps.Recorder
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Pipeline{
		store:    deps.Store,
		engines:  deps.Engines,
		guards:   deps.Guards,
		cache:    deps.Cache,
		speakers: deps.BaseSpeakers,
		recorder: recorder,
		logger:   deps.Logger.With(zap.String("component", "pipeline")),
	}
}

// BaseSpeakers exposes the active base speaker holder.
func (p *Pipeline) BaseSpeakers() *BaseSpeakers {
	return p.speakers
}

// Device reports the compute device of the engines.
func (p *Pipeline) Device() string {
	if p.engines.Device == nil {
		return "cpu"
	}
	return p.engines.Device.Device()
}

// Full renders text in the voice of a stored reference.
func (p *Pipeline) Full(ctx context.Context, req models.SynthesisRequest) (res *Result, err error) {
	req = req.WithDefaults()
	if err := validateSynthesis(req, true); err != nil {
		return nil, err
	}

	r := p.begin(ModeFull)
	defer func() { p.finish(r, err) }()

	path, err := stage(r, models.StageResolve, func() (string, error) {
		return p.resolve(req.VoiceLabel)
	})
	if err != nil {
		return nil, err
	}

	target, err := stage(r, models.StageEmbed, func() (*models.SpeakerEmbedding, error) {
		reference, err := p.store.ReadReference(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrEmbeddingFailed, err)
		}
		return p.embedding(ctx, reference, true)
	})
	if err != nil {
		return nil, err
	}

	raw, err := stage(r, models.StageBaseSynthesize, func() ([]byte, error) {
		return p.synthesize(ctx, req)
	})
	if err != nil {
		return nil, err
	}

	_, source := p.speakers.Active()
	converted, err := stage(r, models.StageToneConvert, func() ([]byte, error) {
		return p.convert(ctx, raw, source, target, req.Watermark)
	})
	if err != nil {
		return nil, err
	}

	return p.emit(r, converted)
}

// BaseOnly renders text with the base speaker. It never touches the
// reference store or the converter.
func (p *Pipeline) BaseOnly(ctx context.Context, req models.SynthesisRequest) (res *Result, err error) {
	req = req.WithDefaults()
	if err := validateSynthesis(req, false); err != nil {
		return nil, err
	}

	r := p.begin(ModeBaseOnly)
	defer func() { p.finish(r, err) }()

	raw, err := stage(r, models.StageBaseSynthesize, func() ([]byte, error) {
		return p.synthesize(ctx, req)
	})
	if err != nil {
		return nil, err
	}

	return p.emit(r, raw)
}

// DirectConvert re-renders caller audio into a stored reference voice, or
// into the active base speaker when no reference is named.
func (p *Pipeline) DirectConvert(ctx context.Context, req models.ConvertRequest) (res *Result, err error) {
	if len(req.SourceAudio) == 0 {
		return nil, fmt.Errorf("%w: source audio is empty", ErrInvalidRequest)
	}
	if req.Watermark == "" {
		req.Watermark = models.DefaultWatermark
	}

	r := p.begin(ModeDirectConvert)
	defer func() { p.finish(r, err) }()

	var referencePath string
	if req.ReferenceSpeaker != "" {
		referencePath, err = stage(r, models.StageResolve, func() (string, error) {
			return p.resolve(req.ReferenceSpeaker)
		})
		if err != nil {
			return nil, err
		}
	}

	type embeddings struct{ source, target *models.SpeakerEmbedding }
	embs, err := stage(r, models.StageEmbed, func() (embeddings, error) {
		source, err := p.embedding(ctx, req.SourceAudio, true)
		if err != nil {
			return embeddings{}, err
		}
		if referencePath == "" {
			_, target := p.speakers.Active()
			return embeddings{source, target}, nil
		}
		reference, err := p.store.ReadReference(referencePath)
		if err != nil {
			return embeddings{}, fmt.Errorf("%w: %w", ErrEmbeddingFailed, err)
		}
		target, err := p.embedding(ctx, reference, true)
		if err != nil {
			return embeddings{}, err
		}
		return embeddings{source, target}, nil
	})
	if err != nil {
		return nil, err
	}

	converted, err := stage(r, models.StageToneConvert, func() ([]byte, error) {
		return p.convert(ctx, req.SourceAudio, embs.source, embs.target, req.Watermark)
	})
	if err != nil {
		return nil, err
	}

	return p.emit(r, converted)
}

// RegisterBaseSpeaker extracts the embedding of audio, stores it as a named
// base speaker and optionally makes it the active one.
func (p *Pipeline) RegisterBaseSpeaker(ctx context.Context, name string, audio []byte, activate bool) (*models.BaseSpeaker, error) {
	if err := validateSpeakerName(name); err != nil {
		return nil, err
	}
	if len(audio) == 0 {
		return nil, fmt.Errorf("%w: audio is empty", ErrInvalidRequest)
	}

	emb, err := p.embedding(ctx, audio, true)
	if err != nil {
		return nil, err
	}

	speaker, err := p.speakers.Save(name, emb)
	if err != nil {
		return nil, err
	}

	if activate {
		if err := p.speakers.Activate(name); err != nil {
			return nil, err
		}
	}
	return speaker, nil
}

func (p *Pipeline) resolve(label string) (string, error) {
	path, err := p.store.Resolve(label)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", fmt.Errorf("%w: %s", ErrVoiceNotFound, label)
		}
		return "", fmt.Errorf("failed to resolve voice %s: %w", label, err)
	}
	return path, nil
}

// embedding returns the cached embedding for reference or extracts it under
// the converter guard. Concurrent extractions of the same content share one
// engine call; only successful results are cached.
func (p *Pipeline) embedding(ctx context.Context, reference []byte, vad bool) (*models.SpeakerEmbedding, error) {
	key := cache.Key(reference, vad)

	if p.cache != nil {
		if emb, ok, err := p.cache.Get(ctx, key); err == nil && ok {
			p.recorder.RecordEmbeddingCache(true)
			return emb, nil
		}
		p.recorder.RecordEmbeddingCache(false)
	}

	v, err, shared := p.extractions.Do(key, func() (any, error) {
		emb, err := guard.WithEngine(ctx, p.guards, models.EngineConverter,
			func(ctx context.Context) (*models.SpeakerEmbedding, error) {
				return p.engines.Extractor.Extract(ctx, reference, vad)
			})
		if err != nil {
			return nil, err
		}
		if emb.IsZero() {
			return nil, errors.New("extractor returned an empty embedding")
		}
		if p.cache != nil {
			if err := p.cache.Set(ctx, key, emb); err != nil {
				p.logger.Warn("failed to cache embedding", zap.Error(err))
			}
		}
		return emb, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEmbeddingFailed, err)
	}
	if shared {
		p.logger.Debug("shared in-flight embedding extraction")
	}
	return v.(*models.SpeakerEmbedding), nil
}

func (p *Pipeline) synthesize(ctx context.Context, req models.SynthesisRequest) ([]byte, error) {
	raw, err := guard.WithEngine(ctx, p.guards, models.EngineSynthesizer,
		func(ctx context.Context) ([]byte, error) {
			return p.engines.Synthesizer.Synthesize(ctx, services.SpeechRequest{
				Text:     req.Text,
				Style:    req.Style,
				Language: req.Language,
				Speed:    req.Speed,
			})
		})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSynthesisFailed, err)
	}
	return raw, nil
}

func (p *Pipeline) convert(ctx context.Context, raw []byte, source, target *models.SpeakerEmbedding, watermark string) ([]byte, error) {
	out, err := guard.WithEngine(ctx, p.guards, models.EngineConverter,
		func(ctx context.Context) ([]byte, error) {
			return p.engines.Converter.Convert(ctx, raw, source, target, watermark)
		})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConversionFailed, err)
	}
	return out, nil
}

func (p *Pipeline) emit(r *run, data []byte) (*Result, error) {
	artifact, err := stage(r, models.StageEmit, func() (*storage.Artifact, error) {
		a, err := p.store.WriteArtifact(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrEmitFailed, err)
		}
		return a, nil
	})
	if err != nil {
		return nil, err
	}

	res := &Result{
		Artifact: artifact,
		Elapsed:  time.Since(r.started),
		Device:   p.Device(),
		Stages:   r.stages,
	}
	if d, err := audio.Duration(data); err == nil {
		res.AudioDuration = d
		p.recorder.ObserveAudio(d)
	}
	return res, nil
}

// run tracks one request's progress through the stages.
type run struct {
	mode     string
	started  time.Time
	stages   []models.Stage
	recorder Recorder
}

func (p *Pipeline) begin(mode string) *run {
	return &run{mode: mode, started: time.Now(), recorder: p.recorder}
}

func (p *Pipeline) finish(r *run, err error) {
	p.recorder.RecordPipeline(r.mode, err)

	fields := []zap.Field{
		zap.String("mode", r.mode),
		zap.Duration("elapsed", time.Since(r.started)),
		zap.Any("stages", r.stages),
	}
	if err != nil {
		p.logger.Warn("synthesis failed", append(fields, zap.Error(err))...)
		return
	}
	p.logger.Info("synthesis completed", fields...)
}

func stage[T any](r *run, s models.Stage, fn func() (T, error)) (T, error) {
	r.stages = append(r.stages, s)
	started := time.Now()
	v, err := fn()
	r.recorder.ObserveStage(s, time.Since(started))
	return v, err
}

func validateSynthesis(req models.SynthesisRequest, needVoice bool) error {
	if strings.TrimSpace(req.Text) == "" {
		return fmt.Errorf("%w: text is required", ErrInvalidRequest)
	}
	if needVoice && req.VoiceLabel == "" {
		return fmt.Errorf("%w: voice is required", ErrInvalidRequest)
	}
	// Engines clamp to the range they support.
	if req.Speed <= 0 {
		return fmt.Errorf("%w: speed must be positive", ErrInvalidRequest)
	}
	return nil
}

type nopRecorder struct{}

func (nopRecorder) ObserveStage(models.Stage, time.Duration) {}
func (nopRecorder) RecordPipeline(string, error)             {}
func (nopRecorder) ObserveAudio(time.Duration)               {}
func (nopRecorder) RecordEmbeddingCache(bool)                {}
