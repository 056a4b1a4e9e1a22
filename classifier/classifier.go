// Package classifier implements a naive Bayes text classifier backed by a
// sqlite token store. Tokens are lowercased words drawn from the subject
// and the text parts; every learned message bumps per-class token hit
// counts and the per-class learn counter.
package classifier

import (
	"database/sql"
	"fmt"
	"math"
	"strings"
	"unicode"

	_ "modernc.org/sqlite"

	"github.com/migadu/mailscan/config"
	"github.com/migadu/mailscan/logger"
	"github.com/migadu/mailscan/pkg/metrics"
	"github.com/migadu/mailscan/task"
)

const (
	ClassSpam = "spam"
	ClassHam  = "ham"

	SymbolSpam = "BAYES_SPAM"
	SymbolHam  = "BAYES_HAM"

	// symbolWeight scales the classifier confidence into the symbol score.
	symbolWeight = 3.0

	// spamThreshold and hamThreshold bound the uncertain middle where no
	// symbol is inserted.
	spamThreshold = 0.55
	hamThreshold  = 0.45

	minTokenLen = 3
	maxTokenLen = 32
)

const schema = `
CREATE TABLE IF NOT EXISTS tokens (
	class TEXT NOT NULL,
	token TEXT NOT NULL,
	hits  INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (class, token)
);
CREATE TABLE IF NOT EXISTS stats (
	class  TEXT PRIMARY KEY,
	learns INTEGER NOT NULL DEFAULT 0
);
INSERT OR IGNORE INTO stats (class, learns) VALUES ('spam', 0), ('ham', 0);
`

// Bayes implements task.Classifier. It is safe for concurrent use; the
// underlying sql.DB serializes access to the store.
type Bayes struct {
	db  *sql.DB
	cfg config.ClassifierConfig
}

// Open creates or opens the token store at the configured path.
func Open(cfg config.ClassifierConfig) (*Bayes, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open token store %s: %w", cfg.Path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize token store %s: %w", cfg.Path, err)
	}
	return &Bayes{db: db, cfg: cfg}, nil
}

// Close releases the token store.
func (b *Bayes) Close() error {
	return b.db.Close()
}

// Learns returns the learn counter of a class.
func (b *Bayes) Learns(class string) (int64, error) {
	var n int64
	err := b.db.QueryRow(`SELECT learns FROM stats WHERE class = ?`, class).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return n, err
}

// Classify computes the spam probability of the task's tokens and inserts
// a BAYES_SPAM or BAYES_HAM symbol when the confidence leaves the
// uncertain middle. Only the main classify stage acts; the pre and post
// sub-stages are hooks for other providers.
func (b *Bayes) Classify(t *task.Task, stage task.Stage) error {
	if stage != task.StageClassifiers {
		return nil
	}

	spamLearns, err := b.Learns(ClassSpam)
	if err != nil {
		return err
	}
	hamLearns, err := b.Learns(ClassHam)
	if err != nil {
		return err
	}
	if spamLearns < b.cfg.MinLearns || hamLearns < b.cfg.MinLearns {
		logger.Debug("classifier has too few learns",
			"scan_id", t.ScanID, "spam_learns", spamLearns, "ham_learns", hamLearns)
		return nil
	}

	tokens := Tokenize(t)
	if len(tokens) == 0 {
		return nil
	}

	prob, err := b.spamProbability(tokens, spamLearns, hamLearns)
	if err != nil {
		return err
	}

	switch {
	case prob >= spamThreshold:
		t.InsertResult(SymbolSpam, symbolWeight*(2*prob-1), fmt.Sprintf("%.4f", prob))
	case prob <= hamThreshold:
		t.InsertResult(SymbolHam, -symbolWeight*(1-2*prob), fmt.Sprintf("%.4f", prob))
	}
	return nil
}

// spamProbability is a log-ratio naive Bayes with add-one smoothing,
// squashed back to a probability.
func (b *Bayes) spamProbability(tokens []string, spamLearns, hamLearns int64) (float64, error) {
	var logRatio float64

	for _, token := range tokens {
		spamHits, hamHits, err := b.tokenHits(token)
		if err != nil {
			return 0, err
		}
		if spamHits == 0 && hamHits == 0 {
			continue
		}
		pSpam := (float64(spamHits) + 1) / (float64(spamLearns) + 2)
		pHam := (float64(hamHits) + 1) / (float64(hamLearns) + 2)
		logRatio += math.Log(pSpam) - math.Log(pHam)
	}

	return 1 / (1 + math.Exp(-logRatio)), nil
}

func (b *Bayes) tokenHits(token string) (spam, ham int64, err error) {
	rows, err := b.db.Query(`SELECT class, hits FROM tokens WHERE token = ?`, token)
	if err != nil {
		return 0, 0, err
	}
	defer rows.Close()

	for rows.Next() {
		var class string
		var hits int64
		if err := rows.Scan(&class, &hits); err != nil {
			return 0, 0, err
		}
		switch class {
		case ClassSpam:
			spam = hits
		case ClassHam:
			ham = hits
		}
	}
	return spam, ham, rows.Err()
}

// Learn records the task's tokens under the given class. Only the main
// learn stage acts. The whole update is one transaction; a failed learn
// leaves the store untouched.
func (b *Bayes) Learn(t *task.Task, isSpam bool, classifier string, stage task.Stage) error {
	if stage != task.StageLearn {
		return nil
	}

	class := ClassHam
	if isSpam {
		class = ClassSpam
	}

	tokens := Tokenize(t)
	if len(tokens) == 0 {
		return fmt.Errorf("cannot learn %s: message has no tokens", class)
	}

	tx, err := b.db.Begin()
	if err != nil {
		return fmt.Errorf("learn %s failed: %w", class, err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO tokens (class, token, hits) VALUES (?, ?, 1)
		ON CONFLICT (class, token) DO UPDATE SET hits = hits + 1`)
	if err != nil {
		return fmt.Errorf("learn %s failed: %w", class, err)
	}
	defer stmt.Close()

	for _, token := range tokens {
		if _, err := stmt.Exec(class, token); err != nil {
			return fmt.Errorf("learn %s failed: %w", class, err)
		}
	}

	if _, err := tx.Exec(`UPDATE stats SET learns = learns + 1 WHERE class = ?`, class); err != nil {
		return fmt.Errorf("learn %s failed: %w", class, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("learn %s failed: %w", class, err)
	}

	metrics.ClassifierLearnsTotal.WithLabelValues(class).Inc()
	logger.Debug("message learned",
		"scan_id", t.ScanID, "class", class, "tokens", len(tokens))
	return nil
}

// CheckAutolearn feeds decisive scan results back into the classifier:
// scores at or beyond the configured thresholds mark the task for
// automatic learning.
func (b *Bayes) CheckAutolearn(t *task.Task) {
	score := t.Result().Score
	switch {
	case score >= b.cfg.AutolearnSpamScore:
		t.MarkForLearning(true, "bayes")
	case score <= b.cfg.AutolearnHamScore:
		t.MarkForLearning(false, "bayes")
	}
}

// Tokenize extracts the unique classifier tokens of a task: lowercased
// words of the subject and text parts within the token length bounds.
func Tokenize(t *task.Task) []string {
	seen := make(map[string]struct{})
	var tokens []string

	add := func(text string) {
		words := strings.FieldsFunc(text, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		for _, w := range words {
			if len(w) < minTokenLen || len(w) > maxTokenLen {
				continue
			}
			w = strings.ToLower(w)
			if _, ok := seen[w]; ok {
				continue
			}
			seen[w] = struct{}{}
			tokens = append(tokens, w)
		}
	}

	if t.Subject != "" {
		add(t.Subject)
	}
	for _, tp := range t.TextParts {
		add(string(tp.Content))
	}
	return tokens
}
