package blobstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadDelete(t *testing.T) {
	s, err := NewFS(t.TempDir())
	require.NoError(t, err)

	path, err := s.Write("sessions/s1/agents/a1/messages/m1", []byte("transcript body"))
	require.NoError(t, err)
	assert.FileExists(t, path)

	data, err := s.Read("sessions/s1/agents/a1/messages/m1")
	require.NoError(t, err)
	assert.Equal(t, "transcript body", string(data))

	require.NoError(t, s.Delete("sessions/s1/agents/a1/messages/m1"))
	_, err = s.Read("sessions/s1/agents/a1/messages/m1")
	assert.Error(t, err)

	// Deleting an already-missing blob is not an error.
	assert.NoError(t, s.Delete("sessions/s1/agents/a1/messages/m1"))
}

func TestDeleteTree(t *testing.T) {
	s, err := NewFS(t.TempDir())
	require.NoError(t, err)

	_, err = s.Write("sessions/s1/phases/0/artifact", []byte("a"))
	require.NoError(t, err)
	_, err = s.Write("sessions/s1/phases/1/artifact", []byte("b"))
	require.NoError(t, err)
	_, err = s.Write("sessions/s2/phases/0/artifact", []byte("c"))
	require.NoError(t, err)

	require.NoError(t, s.DeleteTree("sessions/s1"))

	_, err = s.Read("sessions/s1/phases/0/artifact")
	assert.Error(t, err)
	data, err := s.Read("sessions/s2/phases/0/artifact")
	require.NoError(t, err)
	assert.Equal(t, "c", string(data))
}

func TestRejectsTraversal(t *testing.T) {
	s, err := NewFS(t.TempDir())
	require.NoError(t, err)

	_, err = s.Write("../escape", []byte("x"))
	assert.ErrorIs(t, err, ErrInvalidKey)
	_, err = s.Read("/etc/passwd")
	assert.ErrorIs(t, err, ErrInvalidKey)
}
