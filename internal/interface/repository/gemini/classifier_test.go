package gemini

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nippo/internal/domain"
)

type fakeGenerator struct {
	output string
	err    error
	prompt string
}

func (g *fakeGenerator) Generate(_ context.Context, prompt string) (string, error) {
	g.prompt = prompt
	return g.output, g.err
}

func TestParseEntries(t *testing.T) {
	testCases := []struct {
		name    string
		input   string
		want    int
		wantErr bool
	}{
		{
			name:  "plain json",
			input: `[{"employeeName":"山田","date":"2024-05-01","department":"produce","content":"入荷"}]`,
			want:  1,
		},
		{
			name:  "fenced json",
			input: "```json\n[{\"employeeName\":\"山田\",\"date\":\"2024-05-01\",\"department\":\"meat\",\"content\":\"a\"},{\"employeeName\":\"佐藤\",\"date\":\"2024-05-01\",\"department\":\"deli\",\"content\":\"b\"}]\n```",
			want:  2,
		},
		{name: "empty array", input: "[]", want: 0},
		{name: "empty", input: "  ", wantErr: true},
		{name: "object", input: `{"employeeName":"山田"}`, wantErr: true},
		{name: "null", input: "null", wantErr: true},
		{name: "truncated", input: `[{"employeeName":`, wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			entries, err := parseEntries(tc.input)
			if tc.wantErr {
				require.ErrorIs(t, err, domain.ErrMalformedOutput)
				return
			}
			require.NoError(t, err)
			assert.Len(t, entries, tc.want)
		})
	}
}

func TestClassifier_Classify(t *testing.T) {
	gen := &fakeGenerator{
		output: `[{"employeeName":"山田","date":"2024-05-01","department":"bakery","content":"食パン\n完売"}]`,
	}
	c := NewClassifier(gen)

	entries, err := c.Classify(context.Background(), "山田: 食パン完売")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.Entry{
		EmployeeName: "山田",
		Date:         "2024-05-01",
		Department:   domain.DeptBakery,
		Content:      "食パン\n完売",
	}, entries[0])

	assert.True(t, strings.HasSuffix(gen.prompt, "山田: 食パン完売"))
	for _, d := range domain.Departments() {
		assert.Contains(t, gen.prompt, string(d))
	}
}

func TestClassifier_Errors(t *testing.T) {
	_, err := NewClassifier(nil).Classify(context.Background(), "text")
	require.ErrorIs(t, err, domain.ErrCredentialMissing)

	upstream := errors.New("quota exceeded")
	_, err = NewClassifier(&fakeGenerator{err: upstream}).Classify(context.Background(), "text")
	require.ErrorIs(t, err, upstream)

	_, err = NewGenAIGenerator(context.Background(), "", "")
	require.ErrorIs(t, err, domain.ErrCredentialMissing)
}

func TestEntrySchema_EnumeratesDepartments(t *testing.T) {
	schema := entrySchema()
	require.NotNil(t, schema.Items)
	dept := schema.Items.Properties["department"]
	require.NotNil(t, dept)
	assert.Len(t, dept.Enum, len(domain.Departments()))
	assert.ElementsMatch(t, []string{"employeeName", "date", "department", "content"}, schema.Items.Required)
}
