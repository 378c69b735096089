package piper

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/go-audio/wav"
)

const stopGrace = 2 * time.Second

// workerRequest is one line of piper's --json-input protocol. Piper writes the
// utterance to OutputFile and echoes the path on stdout when it is done.
type workerRequest struct {
	Text       string `json:"text"`
	OutputFile string `json:"output_file"`
	SpeakerID  *int   `json:"speaker_id,omitempty"`
}

// worker is a resident piper process holding one voice model in memory.
// Length scale, noise and noise width are fixed when it starts.
type worker struct {
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	lines      chan string
	quit       chan struct{}
	exited     chan struct{}
	waitErr    error
	stderr     *limitedBuffer
	configPath string // scoped copy of a patched config, removed on stop
}

func (v *Voice) startWorker() (*worker, error) {
	wk := &worker{
		lines:  make(chan string, 1),
		quit:   make(chan struct{}),
		exited: make(chan struct{}),
		stderr: &limitedBuffer{max: maxStderr},
	}

	configPath := v.configPath
	if v.patched != nil {
		f, err := os.CreateTemp(v.loader.tempDir, "piper-*.onnx.json")
		if err != nil {
			return nil, fmt.Errorf("write patched config: %w", err)
		}
		_, werr := f.Write(v.patched)
		cerr := f.Close()
		if err := errors.Join(werr, cerr); err != nil {
			os.Remove(f.Name())
			return nil, fmt.Errorf("write patched config: %w", err)
		}
		configPath = f.Name()
		wk.configPath = configPath
	}

	args := append([]string{}, v.loader.cmd[1:]...)
	args = append(args,
		"--model", v.modelPath,
		"--config", configPath,
		"--json-input",
		"--length_scale", formatFloat(residentParams.LengthScale),
		"--noise_scale", formatFloat(residentParams.NoiseScale),
		"--noise_w", formatFloat(residentParams.NoiseW),
	)
	if v.cuda {
		args = append(args, "--cuda")
	}
	wk.cmd = exec.Command(v.loader.cmd[0], args...)
	wk.cmd.Stderr = wk.stderr

	stdin, err := wk.cmd.StdinPipe()
	if err != nil {
		wk.cleanup()
		return nil, fmt.Errorf("piper stdin: %w", err)
	}
	stdout, err := wk.cmd.StdoutPipe()
	if err != nil {
		wk.cleanup()
		return nil, fmt.Errorf("piper stdout: %w", err)
	}
	if err := wk.cmd.Start(); err != nil {
		wk.cleanup()
		return nil, fmt.Errorf("start piper worker: %w", err)
	}
	wk.stdin = stdin

	go func() {
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			select {
			case wk.lines <- scanner.Text():
			case <-wk.quit:
			}
		}
		close(wk.lines)
		wk.waitErr = wk.cmd.Wait()
		close(wk.exited)
	}()
	return wk, nil
}

func (wk *worker) alive() bool {
	select {
	case <-wk.exited:
		return false
	default:
		return true
	}
}

// speak sends one request and waits for piper to report the finished file.
func (wk *worker) speak(ctx context.Context, req workerRequest) error {
	line, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode piper request: %w", err)
	}
	if _, err := wk.stdin.Write(append(line, '\n')); err != nil {
		return wk.failure(fmt.Errorf("send piper request: %w", err))
	}
	select {
	case _, ok := <-wk.lines:
		if !ok {
			return wk.failure(errors.New("piper worker exited"))
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (wk *worker) failure(err error) error {
	select {
	case <-wk.exited:
		if wk.waitErr != nil {
			err = fmt.Errorf("%w (%v)", err, wk.waitErr)
		}
	case <-time.After(stopGrace):
	}
	if msg := strings.TrimSpace(wk.stderr.String()); msg != "" {
		return fmt.Errorf("%w: %s", err, msg)
	}
	return err
}

// stop closes stdin so piper exits on its own, and kills it if it does not.
func (wk *worker) stop() {
	close(wk.quit)
	_ = wk.stdin.Close()
	select {
	case <-wk.exited:
	case <-time.After(stopGrace):
		_ = wk.cmd.Process.Kill()
		<-wk.exited
	}
	wk.cleanup()
}

func (wk *worker) cleanup() {
	if wk.configPath != "" {
		os.Remove(wk.configPath)
	}
}

// forwardWAV streams the PCM payload of a piper WAV file to w.
func (v *Voice) forwardWAV(path string, w io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open piper output: %w", err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if err := dec.FwdToPCM(); err != nil {
		return fmt.Errorf("read piper output: %w", err)
	}
	written, writeErr, readErr := copyChunks(io.LimitReader(dec.PCMChunk, dec.PCMLen()), w, v.loader.chunkBytes)
	if writeErr != nil {
		return writeErr
	}
	if readErr != nil {
		return fmt.Errorf("read piper output: %w", readErr)
	}
	if written == 0 {
		return errors.New("piper produced no audio")
	}
	return nil
}
