package i18n

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/nicksnyder/go-i18n/v2/i18n"
	"golang.org/x/text/language"
)

const (
	DefaultLanguage = "en"
	EnvLanguage     = "DAEDALUS_LANG"
)

var (
	mu        sync.RWMutex
	bundle    *i18n.Bundle
	localizer *i18n.Localizer
)

func newBundle() *i18n.Bundle {
	b := i18n.NewBundle(language.English)
	b.RegisterUnmarshalFunc("toml", toml.Unmarshal)
	return b
}

// InitWithFS loads every message file under dir in fsys and activates lang.
func InitWithFS(fsys fs.FS, dir string, lang string) error {
	b := newBundle()

	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return fmt.Errorf("failed to read locales directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		filePath := path.Join(dir, entry.Name())
		if _, err := b.LoadMessageFileFS(fsys, filePath); err != nil {
			return fmt.Errorf("failed to load message file %s: %w", filePath, err)
		}
	}

	mu.Lock()
	bundle = b
	mu.Unlock()

	SetLanguage(lang)
	return nil
}

func SetLanguage(lang string) {
	mu.Lock()
	defer mu.Unlock()
	if bundle == nil {
		return
	}
	localizer = i18n.NewLocalizer(bundle, lang, DefaultLanguage)
}

// T renders messageID with templateData, falling back to the message ID
// when the catalogue is not loaded or lacks the entry.
func T(messageID string, templateData map[string]any) string {
	mu.RLock()
	lc := localizer
	mu.RUnlock()

	if lc == nil {
		return messageID
	}

	msg, err := lc.Localize(&i18n.LocalizeConfig{
		MessageID:    messageID,
		TemplateData: templateData,
	})
	if err != nil {
		return messageID
	}

	return msg
}

func Tp(messageID string, pluralCount any, templateData map[string]any) string {
	mu.RLock()
	lc := localizer
	mu.RUnlock()

	if lc == nil {
		return messageID
	}

	if templateData == nil {
		templateData = make(map[string]any)
	}
	templateData["Count"] = pluralCount

	msg, err := lc.Localize(&i18n.LocalizeConfig{
		MessageID:    messageID,
		PluralCount:  pluralCount,
		TemplateData: templateData,
	})
	if err != nil {
		return messageID
	}

	return msg
}

func DetectLanguage() string {
	envVars := []string{EnvLanguage, "LANG", "LC_ALL", "LC_MESSAGES", "LANGUAGE"}

	for _, env := range envVars {
		lang := os.Getenv(env)
		if lang == "" {
			continue
		}

		parts := strings.Split(lang, ":")
		if len(parts) == 0 || parts[0] == "" {
			continue
		}

		subParts := strings.Split(parts[0], "_")
		if len(subParts) > 0 && subParts[0] != "" && subParts[0] != "C" && subParts[0] != "POSIX" {
			return subParts[0]
		}
	}

	return DefaultLanguage
}
