package voices

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Language describes the locale a voice speaks.
type Language struct {
	Code           string `json:"code"`
	Family         string `json:"family"`
	Region         string `json:"region,omitempty"`
	NameNative     string `json:"name_native,omitempty"`
	NameEnglish    string `json:"name_english,omitempty"`
	CountryEnglish string `json:"country_english,omitempty"`
}

// Speaker is one named sub-identity of a multi-speaker voice.
type Speaker struct {
	Name string
	ID   int
}

// Entry is an admitted voice. Entries are immutable once parsed.
type Entry struct {
	Key         string
	Name        string
	Language    Language
	Quality     string
	NumSpeakers int
	Speakers    []Speaker
	ModelFile   string
	ConfigFile  string
}

// SpeakerNames returns speaker names ordered by speaker id.
func (e Entry) SpeakerNames() []string {
	names := make([]string, 0, len(e.Speakers))
	for _, s := range e.Speakers {
		names = append(names, s.Name)
	}
	return names
}

// DisplayName renders "Language (Country) - name (quality)".
func (e Entry) DisplayName() string {
	lang := e.Language.NameEnglish
	if lang == "" {
		lang = "Unknown"
	}
	if e.Language.CountryEnglish != "" {
		return fmt.Sprintf("%s (%s) - %s (%s)", lang, e.Language.CountryEnglish, e.Name, e.Quality)
	}
	return fmt.Sprintf("%s - %s (%s)", lang, e.Name, e.Quality)
}

type manifestRecord struct {
	Name         string                     `json:"name"`
	Language     Language                   `json:"language"`
	Quality      string                     `json:"quality"`
	NumSpeakers  int                        `json:"num_speakers"`
	SpeakerIDMap map[string]int             `json:"speaker_id_map"`
	Files        map[string]json.RawMessage `json:"files"`
}

// ParseManifest decodes a Piper voices.json document. Records without both an
// .onnx model and an .onnx.json config are dropped and counted.
func ParseManifest(data []byte) (map[string]Entry, int, error) {
	var records map[string]manifestRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, 0, fmt.Errorf("decode voices manifest: %w", err)
	}

	entries := make(map[string]Entry, len(records))
	dropped := 0
	for key, rec := range records {
		modelFile, configFile := pickFiles(rec.Files)
		if modelFile == "" || configFile == "" {
			dropped++
			continue
		}
		entries[key] = newEntry(key, rec, modelFile, configFile)
	}
	return entries, dropped, nil
}

func pickFiles(files map[string]json.RawMessage) (string, string) {
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var modelFile, configFile string
	for _, p := range paths {
		switch {
		case strings.HasSuffix(p, ".onnx.json"):
			if configFile == "" {
				configFile = p
			}
		case strings.HasSuffix(p, ".onnx"):
			if modelFile == "" {
				modelFile = p
			}
		}
	}
	return modelFile, configFile
}

func newEntry(key string, rec manifestRecord, modelFile, configFile string) Entry {
	e := Entry{
		Key:         key,
		Name:        rec.Name,
		Language:    rec.Language,
		Quality:     rec.Quality,
		NumSpeakers: rec.NumSpeakers,
		ModelFile:   modelFile,
		ConfigFile:  configFile,
	}
	if e.Name == "" {
		e.Name = key
	}
	if e.Quality == "" {
		e.Quality = "unknown"
	}
	if e.NumSpeakers < 1 {
		e.NumSpeakers = 1
	}
	for name, id := range rec.SpeakerIDMap {
		e.Speakers = append(e.Speakers, Speaker{Name: name, ID: id})
	}
	sort.Slice(e.Speakers, func(i, j int) bool {
		if e.Speakers[i].ID != e.Speakers[j].ID {
			return e.Speakers[i].ID < e.Speakers[j].ID
		}
		return e.Speakers[i].Name < e.Speakers[j].Name
	})
	return e
}

var qualityRank = map[string]int{
	"high":   0,
	"medium": 1,
	"low":    2,
	"x_low":  3,
}

// GroupByFamily groups entries by language family; each group is ordered best
// quality first, then by display name.
func GroupByFamily(entries []Entry) map[string][]Entry {
	groups := make(map[string][]Entry)
	for _, e := range entries {
		family := e.Language.Family
		if family == "" {
			family = "unknown"
		}
		groups[family] = append(groups[family], e)
	}
	for _, group := range groups {
		sort.SliceStable(group, func(i, j int) bool {
			ri, rj := rank(group[i].Quality), rank(group[j].Quality)
			if ri != rj {
				return ri < rj
			}
			return group[i].DisplayName() < group[j].DisplayName()
		})
	}
	return groups
}

func rank(quality string) int {
	if r, ok := qualityRank[quality]; ok {
		return r
	}
	return len(qualityRank)
}
