package lang

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRowAssignmentsAreContiguous(t *testing.T) {
	require.Len(t, Languages, 15)
	for i := range Languages {
		assert.Equal(t, byte('a'+i), Languages[i].Letter)
	}
	assert.Equal(t, "python", Languages[0].Name)
	assert.True(t, Languages[0].InProcess)
	assert.Equal(t, PrimaryCapacity, Languages[0].Capacity)
	for _, l := range Languages[1:] {
		assert.Equal(t, SecondaryCapacity, l.Capacity, l.Name)
		assert.False(t, l.InProcess, l.Name)
	}
}

func TestTotalCapacity(t *testing.T) {
	assert.Equal(t, PrimaryCapacity+14*SecondaryCapacity, TotalCapacity())
}

func TestByNameAliasesAndCase(t *testing.T) {
	for input, want := range map[string]string{
		"python": "python", "Python": "python", "py": "python", "python3": "python",
		"js": "javascript", "node": "javascript",
		"GOLANG": "go", "c#": "csharp", "C++": "cpp",
		"shell": "bash", " ruby ": "ruby",
	} {
		l, ok := ByName(input)
		require.True(t, ok, input)
		assert.Equal(t, want, l.Name, input)
	}

	_, ok := ByName("cobol")
	assert.False(t, ok)
	_, ok = ByName("")
	assert.False(t, ok)
}

func TestByLetter(t *testing.T) {
	l, ok := ByLetter('a')
	require.True(t, ok)
	assert.Equal(t, "python", l.Name)

	l, ok = ByLetter('o')
	require.True(t, ok)
	assert.Equal(t, "bash", l.Name)

	_, ok = ByLetter('z')
	assert.False(t, ok)
}

func TestCommentLine(t *testing.T) {
	py, _ := ByName("python")
	assert.Equal(t, "# staged", py.CommentLine("staged"))

	lua, _ := ByName("lua")
	assert.Equal(t, "-- staged", lua.CommentLine("staged"))

	golang, _ := ByName("go")
	assert.Equal(t, "// staged", golang.CommentLine("staged"))
}
