package persona

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ErrNotFound reports a missing persona or template file. Callers fall back
// to a neutral persona instead of failing the whole turn.
var ErrNotFound = errors.New("persona file not found")

var pictureExts = []string{".webp", ".jpg", ".jpeg", ".png"}

// Store reads personas from the characters and instruction-templates
// directories. By default every load re-reads the backing file, so external
// edits take effect on the next message. Watch switches the store to a
// cache that an fsnotify watcher invalidates on writes; first use after a
// change still sees the new content.
type Store struct {
	charactersDir string
	templatesDir  string
	log           *zap.Logger

	mu      sync.RWMutex
	cache   map[string]Persona
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewStore builds a reread-every-time store over the two directories.
func NewStore(charactersDir, templatesDir string, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{
		charactersDir: charactersDir,
		templatesDir:  templatesDir,
		log:           log,
	}
}

// Watch enables the invalidating cache. Best-effort: when the directories
// cannot be watched the store stays in reread mode.
func (s *Store) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	for _, dir := range []string{s.charactersDir, s.templatesDir} {
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}

	s.mu.Lock()
	s.cache = make(map[string]Persona)
	s.watcher = watcher
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.watchLoop(watcher)
	return nil
}

// Close stops the watcher if one is running. The wait for the watch loop
// happens outside the lock: the loop may be mid-invalidate and needs s.mu
// to finish.
func (s *Store) Close() error {
	s.mu.Lock()
	watcher := s.watcher
	done := s.done
	s.watcher = nil
	s.cache = nil
	s.mu.Unlock()

	if watcher == nil {
		return nil
	}
	err := watcher.Close()
	<-done
	return err
}

func (s *Store) watchLoop(watcher *fsnotify.Watcher) {
	defer close(s.done)
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				s.invalidate(event.Name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.log.Warn("persona watcher error", zap.Error(err))
		}
	}
}

func (s *Store) invalidate(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cache != nil {
		delete(s.cache, filepath.Clean(path))
	}
}

// LoadCharacter reads characters/<name>.yaml.
func (s *Store) LoadCharacter(name string) (Persona, error) {
	return s.loadFile(filepath.Join(s.charactersDir, name+".yaml"))
}

// LoadInstruct combines the character file with the named instruction
// template. The template supplies the role strings and turn template; the
// character supplies display name and context, with the template's context
// as fallback.
func (s *Store) LoadInstruct(character, template string) (Persona, error) {
	tmpl, err := s.loadFile(filepath.Join(s.templatesDir, template+".yaml"))
	if err != nil {
		return Persona{}, err
	}

	p, err := s.loadFile(filepath.Join(s.charactersDir, character+".yaml"))
	if err != nil {
		// Neutral persona: template alone still yields a usable request.
		p = Persona{Name: character}
	}

	if p.Context == "" {
		p.Context = tmpl.Context
	}
	p.UserString = tmpl.UserString
	p.BotString = tmpl.BotString
	p.TurnTemplate = tmpl.TurnTemplate
	return p, nil
}

// FindPicture scans the characters directory for an avatar image matching
// the persona base name. Returns nil when no image exists.
func (s *Store) FindPicture(name string) []byte {
	for _, ext := range pictureExts {
		data, err := os.ReadFile(filepath.Join(s.charactersDir, name+ext))
		if err == nil {
			return data
		}
	}
	return nil
}

type personaFile struct {
	Name         string `yaml:"name"`
	Context      string `yaml:"context"`
	User         string `yaml:"user"`
	UserString   string `yaml:"user_string"`
	Bot          string `yaml:"bot"`
	BotString    string `yaml:"bot_string"`
	TurnTemplate string `yaml:"turn_template"`
}

func (s *Store) loadFile(path string) (Persona, error) {
	path = filepath.Clean(path)

	s.mu.RLock()
	if s.cache != nil {
		if p, ok := s.cache[path]; ok {
			s.mu.RUnlock()
			return p, nil
		}
	}
	s.mu.RUnlock()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Persona{}, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return Persona{}, fmt.Errorf("read persona %s: %w", path, err)
	}

	var file personaFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return Persona{}, fmt.Errorf("parse persona %s: %w", path, err)
	}

	p := Persona{
		Name:         file.Name,
		Context:      file.Context,
		UserString:   file.User,
		BotString:    file.Bot,
		TurnTemplate: file.TurnTemplate,
	}
	if p.UserString == "" {
		p.UserString = file.UserString
	}
	if p.BotString == "" {
		p.BotString = file.BotString
	}

	s.mu.Lock()
	if s.cache != nil {
		s.cache[path] = p
	}
	s.mu.Unlock()

	return p, nil
}
