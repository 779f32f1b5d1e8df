// Package history commits materialized document snapshots into one git
// repository per document, so operators can browse how a document evolved
// across compactions.
package history

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const (
	branchName  = "main"
	contentFile = "content.json"
	textFile    = "content.txt"
)

var ErrNoHistory = errors.New("no history")

// Content is what gets committed for one snapshot.
type Content struct {
	DocID string          `json:"docId"`
	Clock int64           `json:"clock"`
	Doc   json.RawMessage `json:"doc"`
	Text  string          `json:"-"`
}

type CommitInfo struct {
	Hash      string
	Message   string
	Author    string
	CreatedAt time.Time
}

type Service struct {
	baseDir string
	author  string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir, author string) *Service {
	if author == "" {
		author = "syncd"
	}
	return &Service{
		baseDir: baseDir,
		author:  author,
		locks:   make(map[string]*sync.Mutex),
	}
}

// Commit records content on the document's main branch, creating the
// repository on first use. Nothing is committed when the document body and
// text are unchanged; created is false in that case.
func (s *Service) Commit(content Content, message string) (info CommitInfo, created bool, err error) {
	lock := s.documentLock(content.DocID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.openOrInit(content.DocID)
	if err != nil {
		return CommitInfo{}, false, err
	}

	if head, err := headCommit(repo); err == nil {
		prev, err := readContentFromCommit(head)
		if err == nil && !HasChanges(prev, content) {
			return toCommitInfo(head), false, nil
		}
	} else if !errors.Is(err, ErrNoHistory) {
		return CommitInfo{}, false, err
	}

	hash, err := s.commit(repo, content, message)
	if err != nil {
		return CommitInfo{}, false, err
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return CommitInfo{}, false, fmt.Errorf("read commit object: %w", err)
	}
	return toCommitInfo(commitObj), true, nil
}

// Head returns the latest committed content of a document.
func (s *Service) Head(docID string) (Content, CommitInfo, error) {
	lock := s.documentLock(docID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(docID)
	if err != nil {
		return Content{}, CommitInfo{}, err
	}
	commitObj, err := headCommit(repo)
	if err != nil {
		return Content{}, CommitInfo{}, err
	}
	content, err := readContentFromCommit(commitObj)
	if err != nil {
		return Content{}, CommitInfo{}, err
	}
	return content, toCommitInfo(commitObj), nil
}

func (s *Service) ContentAt(docID, hash string) (Content, error) {
	lock := s.documentLock(docID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(docID)
	if err != nil {
		return Content{}, err
	}
	resolvedHash, err := resolveHash(repo, hash)
	if err != nil {
		return Content{}, err
	}
	commitObj, err := repo.CommitObject(resolvedHash)
	if err != nil {
		return Content{}, fmt.Errorf("read commit %s: %w", hash, err)
	}
	return readContentFromCommit(commitObj)
}

// History lists commits newest first. limit <= 0 means all.
func (s *Service) History(docID string, limit int) ([]CommitInfo, error) {
	lock := s.documentLock(docID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(docID)
	if err != nil {
		return nil, err
	}
	head, err := headCommit(repo)
	if err != nil {
		return nil, err
	}

	iter, err := repo.Log(&git.LogOptions{From: head.Hash})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]CommitInfo, 0, max(limit, 0))
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommitInfo(commitObj))
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// Tag marks a commit, typically with the compaction clock it came from.
func (s *Service) Tag(docID, hash, name string) error {
	lock := s.documentLock(docID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(docID)
	if err != nil {
		return err
	}
	resolvedHash, err := resolveHash(repo, hash)
	if err != nil {
		return err
	}

	_, err = repo.CreateTag(name, resolvedHash, &git.CreateTagOptions{
		Tagger:  s.signature(),
		Message: name,
	})
	if err != nil && !errors.Is(err, git.ErrTagExists) {
		return fmt.Errorf("create tag: %w", err)
	}
	return nil
}

func (s *Service) repoPath(docID string) string {
	// doc ids are free-form; escaping keeps them inside baseDir
	return filepath.Join(s.baseDir, "doc-"+url.PathEscape(docID))
}

func (s *Service) documentLock(docID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[docID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[docID] = lock
	return lock
}

func (s *Service) open(docID string) (*git.Repository, error) {
	repo, err := git.PlainOpen(s.repoPath(docID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("%s: %w", docID, ErrNoHistory)
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	return repo, nil
}

func (s *Service) openOrInit(docID string) (*git.Repository, error) {
	path := s.repoPath(docID)
	if _, err := os.Stat(path); err == nil {
		return s.open(docID)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("stat repo path: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err := git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(branchName))); err != nil {
		return nil, fmt.Errorf("set HEAD to %s: %w", branchName, err)
	}
	return repo, nil
}

func (s *Service) commit(repo *git.Repository, content Content, message string) (plumbing.Hash, error) {
	worktree, err := repo.Worktree()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("open worktree: %w", err)
	}

	payload, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("marshal content: %w", err)
	}

	repoRoot := worktree.Filesystem.Root()
	if err := os.WriteFile(filepath.Join(repoRoot, contentFile), append(payload, '\n'), 0o644); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("write %s: %w", contentFile, err)
	}
	if err := os.WriteFile(filepath.Join(repoRoot, textFile), []byte(content.Text), 0o644); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("write %s: %w", textFile, err)
	}
	for _, name := range []string{contentFile, textFile} {
		if _, err := worktree.Add(name); err != nil {
			return plumbing.ZeroHash, fmt.Errorf("git add %s: %w", name, err)
		}
	}

	hash, err := worktree.Commit(message, &git.CommitOptions{
		AllowEmptyCommits: true,
		Author:            s.signature(),
	})
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("commit content: %w", err)
	}
	return hash, nil
}

func (s *Service) signature() *object.Signature {
	return &object.Signature{
		Name:  s.author,
		Email: s.author + "@localhost",
		When:  time.Now(),
	}
}

func headCommit(repo *git.Repository) (*object.Commit, error) {
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(branchName), true)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return nil, ErrNoHistory
	}
	if err != nil {
		return nil, fmt.Errorf("resolve branch %s: %w", branchName, err)
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("load commit object: %w", err)
	}
	return commitObj, nil
}

func readContentFromCommit(commitObj *object.Commit) (Content, error) {
	raw, err := readFile(commitObj, contentFile)
	if err != nil {
		return Content{}, err
	}
	var content Content
	if err := json.Unmarshal(raw, &content); err != nil {
		return Content{}, fmt.Errorf("decode commit content: %w", err)
	}
	text, err := readFile(commitObj, textFile)
	if err != nil {
		return Content{}, err
	}
	content.Text = string(text)
	return content, nil
}

func readFile(commitObj *object.Commit, name string) ([]byte, error) {
	file, err := commitObj.File(name)
	if err != nil {
		return nil, fmt.Errorf("load %s from commit: %w", name, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return nil, fmt.Errorf("open %s reader: %w", name, err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return data, nil
}

// HasChanges ignores the clock: compacting an unchanged document produces
// no commit.
func HasChanges(from, to Content) bool {
	if from.Text != to.Text {
		return true
	}
	return !bytes.Equal(normalizeDoc(from.Doc), normalizeDoc(to.Doc))
}

func toCommitInfo(commitObj *object.Commit) CommitInfo {
	return CommitInfo{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func normalizeDoc(doc json.RawMessage) []byte {
	if len(doc) == 0 {
		return nil
	}
	var parsed any
	if err := json.Unmarshal(doc, &parsed); err != nil {
		return nil
	}
	normalized, err := json.Marshal(parsed)
	if err != nil {
		return nil
	}
	return normalized
}

func resolveHash(repo *git.Repository, hash string) (plumbing.Hash, error) {
	if len(hash) == 40 {
		return plumbing.NewHash(hash), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve hash %s: %w", hash, err)
	}
	return *resolved, nil
}
