package models

import "errors"

// ErrNoDefinition is returned when the dictionary has no entry for a phrase.
var ErrNoDefinition = errors.New("no definition found")

// DefinitionsPerMeaning is how many definitions are surfaced for each part of speech.
const DefinitionsPerMeaning = 2

// DictionaryEntry mirrors one entry of the public dictionary API response.
type DictionaryEntry struct {
	Word     string `json:"word"`
	Phonetic string `json:"phonetic,omitempty"`
	Meanings []struct {
		PartOfSpeech string `json:"partOfSpeech"`
		Definitions  []struct {
			Definition string `json:"definition"`
			Example    string `json:"example,omitempty"`
		} `json:"definitions"`
	} `json:"meanings"`
}

// Definition is the part of a dictionary entry shown by the quick lookup popup.
type Definition struct {
	Word     string
	Phonetic string
	Meanings []Meaning
}

// Meaning groups the definitions of one part of speech.
type Meaning struct {
	PartOfSpeech string
	Senses       []Sense
}

// Sense is a single definition with an optional usage example.
type Sense struct {
	Definition string
	Example    string
}

// SummarizeEntries keeps the first entry and its first two definitions per part of speech. It
// returns false if there is no entry.
func SummarizeEntries(entries []DictionaryEntry) (Definition, bool) {
	if len(entries) == 0 {
		return Definition{}, false
	}

	e := entries[0]
	def := Definition{
		Word:     e.Word,
		Phonetic: e.Phonetic,
		Meanings: make([]Meaning, 0, len(e.Meanings)),
	}
	for _, m := range e.Meanings {
		meaning := Meaning{PartOfSpeech: m.PartOfSpeech}
		for i, d := range m.Definitions {
			if i == DefinitionsPerMeaning {
				break
			}
			meaning.Senses = append(meaning.Senses, Sense{
				Definition: d.Definition,
				Example:    d.Example,
			})
		}
		def.Meanings = append(def.Meanings, meaning)
	}
	return def, true
}
