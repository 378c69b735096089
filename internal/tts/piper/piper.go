// Package piper runs voices through the piper command line synthesizer.
package piper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-tts/internal/tts"
	"github.com/mattn/go-shellwords"
)

const maxStderr = 4096

// Loader prepares voices for the piper binary. Each loaded voice keeps a
// resident piper process with the model in memory; see Voice.
type Loader struct {
	cmd        []string
	chunkBytes int
	tempDir    string
	log        *slog.Logger
}

func NewLoader(command string, chunkBytes int, tempDir string, log *slog.Logger) (*Loader, error) {
	args, err := parseCommand(command)
	if err != nil {
		return nil, err
	}
	if chunkBytes < 2 {
		chunkBytes = 4096
	}
	return &Loader{
		cmd:        args,
		chunkBytes: chunkBytes,
		tempDir:    tempDir,
		log:        log.With(slog.String("component", "piper")),
	}, nil
}

func parseCommand(command string) ([]string, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse piper command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("piper command is empty")
	}
	return args, nil
}

func (l *Loader) Load(ctx context.Context, spec tts.LoadSpec) (tts.Engine, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := os.Stat(spec.ModelPath); err != nil {
		return nil, fmt.Errorf("model file: %w", err)
	}
	if spec.Config.SampleRate <= 0 {
		return nil, errors.New("voice config has no sample rate")
	}
	v := &Voice{
		loader:     l,
		key:        spec.VoiceKey,
		modelPath:  spec.ModelPath,
		configPath: spec.ConfigPath,
		sampleRate: spec.Config.SampleRate,
		cuda:       spec.UseCUDA,
	}
	if spec.Patched {
		// The patched copy goes away once Load returns; keep its bytes.
		data, err := os.ReadFile(spec.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("read patched config: %w", err)
		}
		v.patched = data
		v.configPath = ""
	}

	wk, err := v.startWorker()
	if err != nil {
		return nil, err
	}
	v.worker = wk
	l.log.Debug("piper worker started", slog.String("voice", v.key), slog.Int("pid", wk.cmd.Process.Pid))
	return v, nil
}

// residentParams are the knobs a resident worker is started with. Piper only
// takes the speaker per request, so other values run in a one-off process.
var residentParams = tts.Params{
	LengthScale: 1 / tts.DefaultSpeed,
	NoiseScale:  tts.DefaultNoiseScale,
	NoiseW:      tts.DefaultNoiseScaleW,
}

// Voice is a loaded piper voice. Requests matching residentParams go to the
// resident worker one at a time; a request arriving while the worker is busy,
// or after Close, runs in its own process.
type Voice struct {
	loader     *Loader
	key        string
	modelPath  string
	configPath string
	patched    []byte
	sampleRate int
	cuda       bool

	mu     sync.Mutex // guards worker
	worker *worker
	closed atomic.Bool
}

func (v *Voice) SampleRate() int { return v.sampleRate }

func (v *Voice) Synthesize(ctx context.Context, text string, p tts.Params, w io.Writer) error {
	if resident(p) && !v.closed.Load() && v.mu.TryLock() {
		err := v.synthesizeResident(ctx, text, p, w)
		v.mu.Unlock()
		v.reap()
		return err
	}
	return v.synthesizeOnce(ctx, text, p, w)
}

func resident(p tts.Params) bool {
	return p.LengthScale == residentParams.LengthScale &&
		p.NoiseScale == residentParams.NoiseScale &&
		p.NoiseW == residentParams.NoiseW &&
		p.SentenceSilence == 0
}

// synthesizeResident must be called with v.mu held.
func (v *Voice) synthesizeResident(ctx context.Context, text string, p tts.Params, w io.Writer) error {
	if v.worker != nil && !v.worker.alive() {
		v.loader.log.Warn("piper worker exited, restarting", slog.String("voice", v.key))
		v.worker.stop()
		v.worker = nil
	}
	if v.worker == nil {
		wk, err := v.startWorker()
		if err != nil {
			return err
		}
		v.worker = wk
	}

	out, err := os.CreateTemp(v.loader.tempDir, "piper-*.wav")
	if err != nil {
		return fmt.Errorf("create piper output: %w", err)
	}
	path := out.Name()
	out.Close()
	defer os.Remove(path)

	start := time.Now()
	if err := v.worker.speak(ctx, workerRequest{Text: text, OutputFile: path, SpeakerID: p.SpeakerID}); err != nil {
		// The worker may still be mid-utterance; replace it on the next call.
		v.worker.stop()
		v.worker = nil
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("piper failed: %w", err)
	}
	if err := v.forwardWAV(path, w); err != nil {
		return err
	}
	v.loader.log.Debug("piper request finished",
		slog.String("voice", v.key),
		slog.Bool("resident", true),
		slog.Duration("elapsed", time.Since(start)),
	)
	return nil
}

// Close stops the resident worker. A request in flight keeps the worker
// until it finishes; the worker is stopped right after.
func (v *Voice) Close() error {
	v.closed.Store(true)
	v.reap()
	return nil
}

func (v *Voice) reap() {
	if !v.closed.Load() || !v.mu.TryLock() {
		return
	}
	defer v.mu.Unlock()
	if v.worker != nil {
		v.worker.stop()
		v.worker = nil
		v.loader.log.Debug("piper worker stopped", slog.String("voice", v.key))
	}
}

func (v *Voice) synthesizeOnce(ctx context.Context, text string, p tts.Params, w io.Writer) error {
	if v.patched == nil {
		return v.run(ctx, v.configPath, text, p, w)
	}
	return tts.WithScopedFile(v.loader.tempDir, "piper-*.onnx.json", v.patched, func(path string) error {
		return v.run(ctx, path, text, p, w)
	})
}

func (v *Voice) args(configPath string, p tts.Params) []string {
	args := append([]string{}, v.loader.cmd[1:]...)
	args = append(args,
		"--model", v.modelPath,
		"--config", configPath,
		"--output_raw",
		"--length_scale", formatFloat(p.LengthScale),
		"--noise_scale", formatFloat(p.NoiseScale),
		"--noise_w", formatFloat(p.NoiseW),
	)
	if p.SpeakerID != nil {
		args = append(args, "--speaker", strconv.Itoa(*p.SpeakerID))
	}
	if p.SentenceSilence > 0 {
		args = append(args, "--sentence_silence", formatFloat(p.SentenceSilence))
	}
	if v.cuda {
		args = append(args, "--cuda")
	}
	return args
}

// run starts piper with text on stdin and forwards stdout to w in
// chunkBytes pieces, in order. A failed write stops the process.
func (v *Voice) run(ctx context.Context, configPath, text string, p tts.Params, w io.Writer) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := exec.CommandContext(runCtx, v.loader.cmd[0], v.args(configPath, p)...)
	cmd.Stdin = strings.NewReader(text + "\n")
	stderr := &limitedBuffer{max: maxStderr}
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("piper stdout: %w", err)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start piper: %w", err)
	}

	written, writeErr, readErr := copyChunks(stdout, w, v.loader.chunkBytes)
	var copyErr error
	switch {
	case writeErr != nil:
		copyErr = writeErr
		cancel()
	case readErr != nil:
		copyErr = fmt.Errorf("read piper output: %w", readErr)
		cancel()
	}
	// Drain so Wait does not block on a full pipe after an early exit.
	_, _ = io.Copy(io.Discard, stdout)
	waitErr := cmd.Wait()

	if copyErr != nil {
		return copyErr
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if waitErr != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return fmt.Errorf("piper failed: %w", waitErr)
		}
		return fmt.Errorf("piper failed: %w: %s", waitErr, msg)
	}
	if written == 0 {
		return fmt.Errorf("piper produced no audio: %s", strings.TrimSpace(stderr.String()))
	}
	v.loader.log.Debug("piper request finished",
		slog.String("voice", v.key),
		slog.Bool("resident", false),
		slog.Int64("bytes", written),
		slog.Duration("elapsed", time.Since(start)),
	)
	return nil
}

// DetectCUDA asks the piper binary whether it accepts --cuda. It runs once at
// startup; the answer is the acceleration capability for the process.
func DetectCUDA(ctx context.Context, command string) (bool, error) {
	args, err := parseCommand(command)
	if err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, args[0], append(args[1:], "--help")...)
	out, err := cmd.CombinedOutput()
	if err != nil && len(out) == 0 {
		return false, fmt.Errorf("run piper --help: %w", err)
	}
	return bytes.Contains(out, []byte("--cuda")), nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// copyChunks forwards r to w in size-byte pieces, in order. It stops at the
// first write error; a short final piece is not an error.
func copyChunks(r io.Reader, w io.Writer, size int) (written int64, writeErr, readErr error) {
	buf := make([]byte, size)
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return written, werr, nil
			}
			written += int64(n)
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return written, nil, nil
		}
		if err != nil {
			return written, nil, err
		}
	}
}

// limitedBuffer keeps the last max bytes of stderr.
type limitedBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
