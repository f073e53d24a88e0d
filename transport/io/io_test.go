package io

import (
	"bufio"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/sbflow/internal/runtime/jsoncodec"
	"github.com/drblury/sbflow/transport"
	"github.com/drblury/sbflow/transport/transporttest"
)

func readLines(t *testing.T, path string) []Line {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []Line
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var l Line
		require.NoError(t, jsoncodec.Unmarshal(scanner.Bytes(), &l))
		lines = append(lines, l)
	}
	require.NoError(t, scanner.Err())
	return lines
}

func TestRegister(t *testing.T) {
	original := transport.DefaultRegistry
	t.Cleanup(func() { transport.DefaultRegistry = original })
	transport.DefaultRegistry = transport.NewRegistry()
	Register()

	assert.True(t, transport.DefaultRegistry.Has(TransportName))
	assert.Equal(t, transport.IOCapabilities, transport.GetCapabilities(TransportName))
}

func TestPublisherAppendsJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records.jsonl")
	tr, err := Build(context.Background(), &transporttest.Config{IOFile: path}, watermill.NopLogger{})
	require.NoError(t, err)
	assert.Nil(t, tr.Subscriber)

	first := message.NewMessage("1", []byte(`{"messageId":"m1","body":"hello"}`))
	first.Metadata.Set("sb_session_id", "S1")
	require.NoError(t, tr.Publisher.Publish("records", first))
	require.NoError(t, tr.Publisher.Publish("records", message.NewMessage("2", []byte{0x0a, 0xff})))

	lines := readLines(t, path)
	require.Len(t, lines, 2)

	assert.Equal(t, "1", lines[0].UUID)
	assert.Equal(t, "records", lines[0].Topic)
	assert.Equal(t, "S1", lines[0].Metadata["sb_session_id"])
	assert.JSONEq(t, `{"messageId":"m1","body":"hello"}`, string(lines[0].Payload))
	assert.Empty(t, lines[0].PayloadBytes)

	assert.Empty(t, lines[1].Payload)
	assert.Equal(t, []byte{0x0a, 0xff}, lines[1].PayloadBytes)
	assert.NoError(t, tr.Publisher.Close())
}

func TestBuildDefaultsFilePath(t *testing.T) {
	originalFactory := PublisherFactory
	t.Cleanup(func() { PublisherFactory = originalFactory })

	var got string
	PublisherFactory = func(filePath string, logger watermill.LoggerAdapter) (message.Publisher, error) {
		got = filePath
		return &transporttest.Publisher{}, nil
	}

	_, err := Build(context.Background(), &transporttest.Config{}, watermill.NopLogger{})
	require.NoError(t, err)
	assert.Equal(t, DefaultFilePath, got)
}

func TestStdoutSelectsWriterPublisher(t *testing.T) {
	pub, err := PublisherFactory(Stdout, watermill.NopLogger{})
	require.NoError(t, err)
	assert.IsType(t, &WriterPublisher{}, pub)
}

func TestWriterPublisher(t *testing.T) {
	var buf bytes.Buffer
	pub := NewWriterPublisher(&buf, watermill.NopLogger{})

	require.NoError(t, pub.Publish("t", message.NewMessage("a", []byte(`1`)), message.NewMessage("b", []byte(`"x"`))))
	require.NoError(t, pub.Close())

	out := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, out, 2)
	assert.JSONEq(t, `{"uuid":"a","topic":"t","payload":1}`, string(out[0]))
	assert.JSONEq(t, `{"uuid":"b","topic":"t","payload":"x"}`, string(out[1]))
}

func TestPublisherReportsOpenFailure(t *testing.T) {
	pub := &Publisher{filePath: filepath.Join(t.TempDir(), "missing", "dir", "f.jsonl"), logger: watermill.NopLogger{}}
	assert.Error(t, pub.Publish("t", message.NewMessage("1", []byte(`{}`))))
}
