package service_test

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/redis/go-redis/v9"

	"gavel/internal/judge/language"
	"gavel/internal/judge/model"
	"gavel/internal/judge/orchestrator"
	"gavel/internal/judge/service"
	"gavel/internal/judge/verdict"
	"gavel/internal/pkgstore"
	"gavel/internal/queue"
	"gavel/internal/sandbox/outcome"
	"gavel/internal/sandbox/spec"
	"gavel/internal/status"
)

type memStorage struct {
	objects map[string][]byte
}

func (m *memStorage) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	data, ok := m.objects[key]
	if !ok {
		return nil, os.ErrNotExist
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

type echoSupervisor struct {
	output string
}

func (f *echoSupervisor) Run(ctx context.Context, s spec.SandboxSpec) outcome.RunOutcome {
	if s.StdoutPath != "" {
		_ = os.WriteFile(s.StdoutPath, []byte(f.output), 0644)
	}
	return outcome.RunOutcome{Status: outcome.ExitStatus{Kind: outcome.Exited}}
}

func (f *echoSupervisor) KillSubmission(ctx context.Context, submissionID string) error {
	return nil
}

type recordingPublisher struct {
	mu      sync.Mutex
	records []status.Record
}

func (p *recordingPublisher) PublishFinal(ctx context.Context, rec status.Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records = append(p.records, rec)
	return nil
}

func buildPack(t *testing.T, files map[string]string) ([]byte, string) {
	t.Helper()
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	if err != nil {
		t.Fatal(err)
	}
	tw := tar.NewWriter(zw)
	for name, content := range files {
		if err := tw.WriteHeader(&tar.Header{Name: name, Mode: 0644, Size: int64(len(content))}); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	sum := sha256.Sum256(buf.Bytes())
	return buf.Bytes(), hex.EncodeToString(sum[:])
}

func newTestService(t *testing.T, answer string) (*service.Service, *status.Repository, *recordingPublisher, model.JudgeMessage) {
	t.Helper()

	pack, packHash := buildPack(t, map[string]string{
		"manifest.json": `{"problemId":1,"version":1,"tests":[` +
			`{"testId":"1","inputPath":"tests/1.in","answerPath":"tests/1.ans"}]}`,
		"config.json": `{"problemId":1,"version":1,"compareMode":"tokens",` +
			`"defaultLimits":{"timeMs":1000,"memoryMB":64}}`,
		"tests/1.in":  "1 2\n",
		"tests/1.ans": answer,
	})
	source := []byte("answer = input()\n")
	sourceSum := sha256.Sum256(source)

	storage := &memStorage{objects: map[string][]byte{
		"packs/1/1.tar.zst": pack,
		"sources/s1":        source,
	}}
	packs, err := pkgstore.NewCache(pkgstore.CacheConfig{RootDir: t.TempDir()}, "packs", storage)
	if err != nil {
		t.Fatal(err)
	}

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	repo, err := status.NewRepository(client, time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	langs, err := language.NewRegistry([]language.Spec{{
		ID:         "py",
		Name:       "Python",
		SourceFile: "main.py",
		RunCmdTpl:  "/usr/bin/python3 {src}",
	}})
	if err != nil {
		t.Fatal(err)
	}
	orch, err := orchestrator.New(orchestrator.Config{
		WorkRoot: t.TempDir(),
		PoolSize: 1,
	}, &echoSupervisor{output: answer}, langs)
	if err != nil {
		t.Fatal(err)
	}

	pub := &recordingPublisher{}
	svc, err := service.NewService(service.Config{
		Orchestrator: orch,
		StatusRepo:   repo,
		Reporter:     pub,
		Packs:        packs,
		Storage:      storage,
		SourceBucket: "sources",
		WorkRoot:     t.TempDir(),
	})
	if err != nil {
		t.Fatal(err)
	}

	msg := model.JudgeMessage{
		SubmissionID: "s1",
		ProblemID:    1,
		LanguageID:   "py",
		SourceKey:    "sources/s1",
		SourceHash:   hex.EncodeToString(sourceSum[:]),
		PackVersion:  1,
		PackKey:      "packs/1/1.tar.zst",
		PackHash:     packHash,
	}
	return svc, repo, pub, msg
}

func encode(t *testing.T, payload model.JudgeMessage) *queue.Message {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	msg := queue.NewMessage(body)
	msg.ID = payload.SubmissionID
	return msg
}

func TestHandleMessageAccepted(t *testing.T) {
	svc, repo, pub, payload := newTestService(t, "3\n")

	if err := svc.HandleMessage(context.Background(), encode(t, payload)); err != nil {
		t.Fatalf("handle: %v", err)
	}

	rec, err := repo.Get(context.Background(), "s1")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if rec.Status != model.StatusFinished {
		t.Fatalf("status = %v", rec.Status)
	}
	if rec.Verdict != verdict.Accepted {
		t.Fatalf("verdict = %v", rec.Verdict)
	}
	if len(rec.Tests) != 1 || rec.Tests[0].TestID != "1" {
		t.Fatalf("tests = %+v", rec.Tests)
	}

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.records) != 1 || pub.records[0].Verdict != verdict.Accepted {
		t.Fatalf("published records = %+v", pub.records)
	}
}

func TestHandleMessageBadPayload(t *testing.T) {
	svc, _, _, _ := newTestService(t, "3\n")

	// undecodable and incomplete messages are consumed, not retried
	if err := svc.HandleMessage(context.Background(), queue.NewMessage([]byte("{"))); err != nil {
		t.Fatalf("handle garbage: %v", err)
	}
	incomplete := model.JudgeMessage{SubmissionID: "s2"}
	if err := svc.HandleMessage(context.Background(), encode(t, incomplete)); err != nil {
		t.Fatalf("handle incomplete: %v", err)
	}
}

func TestHandleMessageSourceMissing(t *testing.T) {
	svc, repo, _, payload := newTestService(t, "3\n")
	payload.SourceKey = "sources/missing"
	payload.SourceHash = ""

	err := svc.HandleMessage(context.Background(), encode(t, payload))
	if err == nil {
		t.Fatal("expected retriable error for missing source")
	}
	rec, getErr := repo.Get(context.Background(), "s1")
	if getErr != nil {
		t.Fatalf("get status: %v", getErr)
	}
	if rec.Status != model.StatusFailed {
		t.Fatalf("status = %v, want Failed", rec.Status)
	}
}
