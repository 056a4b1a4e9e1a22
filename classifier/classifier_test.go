package classifier

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/migadu/mailscan/config"
	"github.com/migadu/mailscan/task"
)

func openStore(t *testing.T, minLearns int64) *Bayes {
	t.Helper()
	cfg := config.NewDefaultConfig().Classifier
	cfg.Path = filepath.Join(t.TempDir(), "bayes.db")
	cfg.MinLearns = minLearns

	b, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func textTask(t *testing.T, body string) *task.Task {
	t.Helper()
	tk := task.New(nil, config.NewDefaultConfig())
	t.Cleanup(tk.Free)
	tk.TextParts = append(tk.TextParts, &task.TextPart{Content: []byte(body)})
	return tk
}

func TestOpenCreatesEmptyStore(t *testing.T) {
	b := openStore(t, 5)

	for _, class := range []string{ClassSpam, ClassHam} {
		n, err := b.Learns(class)
		require.NoError(t, err)
		assert.Zero(t, n)
	}
}

func TestLearnIncrementsCounters(t *testing.T) {
	b := openStore(t, 1)
	tk := textTask(t, "cheap pills discount offer")

	require.NoError(t, b.Learn(tk, true, "bayes", task.StageLearn))

	n, err := b.Learns(ClassSpam)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	spam, ham, err := b.tokenHits("cheap")
	require.NoError(t, err)
	assert.Equal(t, int64(1), spam)
	assert.Zero(t, ham)
}

func TestLearnOnlyOnMainStage(t *testing.T) {
	b := openStore(t, 1)
	tk := textTask(t, "cheap pills")

	require.NoError(t, b.Learn(tk, true, "bayes", task.StageLearnPre))
	require.NoError(t, b.Learn(tk, true, "bayes", task.StageLearnPost))

	n, err := b.Learns(ClassSpam)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestLearnEmptyMessageFails(t *testing.T) {
	b := openStore(t, 1)
	tk := textTask(t, "")

	err := b.Learn(tk, true, "bayes", task.StageLearn)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no tokens")
}

func TestClassifyRequiresMinLearns(t *testing.T) {
	b := openStore(t, 5)
	tk := textTask(t, "cheap pills discount")

	require.NoError(t, b.Learn(textTask(t, "cheap pills"), true, "bayes", task.StageLearn))
	require.NoError(t, b.Classify(tk, task.StageClassifiers))

	assert.Empty(t, tk.Result().Symbols)
}

func TestClassifySpamAndHam(t *testing.T) {
	b := openStore(t, 1)

	spamBodies := []string{
		"cheap pills discount offer winner",
		"discount pills offer cheap money",
		"winner cheap offer pills free",
	}
	hamBodies := []string{
		"meeting agenda quarterly report attached",
		"please review the quarterly report",
		"agenda for the weekly meeting attached",
	}
	for _, body := range spamBodies {
		require.NoError(t, b.Learn(textTask(t, body), true, "bayes", task.StageLearn))
	}
	for _, body := range hamBodies {
		require.NoError(t, b.Learn(textTask(t, body), false, "bayes", task.StageLearn))
	}

	spammy := textTask(t, "cheap pills winner offer")
	require.NoError(t, b.Classify(spammy, task.StageClassifiers))
	sym, ok := spammy.Result().Symbols[SymbolSpam]
	require.True(t, ok, "spammy message gets BAYES_SPAM")
	assert.Positive(t, sym.Score)

	hammy := textTask(t, "quarterly meeting agenda report")
	require.NoError(t, b.Classify(hammy, task.StageClassifiers))
	sym, ok = hammy.Result().Symbols[SymbolHam]
	require.True(t, ok, "hammy message gets BAYES_HAM")
	assert.Negative(t, sym.Score)
}

func TestClassifyIgnoresSubStages(t *testing.T) {
	b := openStore(t, 1)
	require.NoError(t, b.Learn(textTask(t, "cheap pills"), true, "bayes", task.StageLearn))
	require.NoError(t, b.Learn(textTask(t, "weekly report"), false, "bayes", task.StageLearn))

	tk := textTask(t, "cheap pills")
	require.NoError(t, b.Classify(tk, task.StageClassifiersPre))
	require.NoError(t, b.Classify(tk, task.StageClassifiersPost))
	assert.Empty(t, tk.Result().Symbols)
}

func TestCheckAutolearn(t *testing.T) {
	b := openStore(t, 1)

	spam := textTask(t, "x")
	spam.InsertResult("BIG", 20.0)
	b.CheckAutolearn(spam)
	assert.True(t, spam.Flags.Has(task.FlagLearnSpam))
	assert.Equal(t, "bayes", spam.ClassifierName)

	ham := textTask(t, "x")
	ham.InsertResult("NEG", -5.0)
	b.CheckAutolearn(ham)
	assert.True(t, ham.Flags.Has(task.FlagLearnHam))

	middle := textTask(t, "x")
	middle.InsertResult("MID", 5.0)
	b.CheckAutolearn(middle)
	assert.False(t, middle.Flags.Has(task.FlagLearnSpam|task.FlagLearnHam))
}

func TestTokenize(t *testing.T) {
	tk := textTask(t, "Hello HELLO world ab toolongtoolongtoolongtoolongtoolong x1y")
	tk.Subject = "Hello subject"

	tokens := Tokenize(tk)
	assert.ElementsMatch(t, []string{"hello", "subject", "world", "x1y"}, tokens)
}
