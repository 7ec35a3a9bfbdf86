package internal

import (
	"strings"
	"unicode"
)

// book is one canonical book of scripture. The code is the USFM identifier
// used in resource file names ("01-GEN.usfm", "tn_JHN.tsv").
type book struct {
	code string
	name string
}

// _books covers the 66-book protestant canon plus Open Bible Stories front
// matter. Order matters only for readability.
var _books = []book{
	{"GEN", "Genesis"}, {"EXO", "Exodus"}, {"LEV", "Leviticus"},
	{"NUM", "Numbers"}, {"DEU", "Deuteronomy"}, {"JOS", "Joshua"},
	{"JDG", "Judges"}, {"RUT", "Ruth"}, {"1SA", "1 Samuel"},
	{"2SA", "2 Samuel"}, {"1KI", "1 Kings"}, {"2KI", "2 Kings"},
	{"1CH", "1 Chronicles"}, {"2CH", "2 Chronicles"}, {"EZR", "Ezra"},
	{"NEH", "Nehemiah"}, {"EST", "Esther"}, {"JOB", "Job"},
	{"PSA", "Psalms"}, {"PRO", "Proverbs"}, {"ECC", "Ecclesiastes"},
	{"SNG", "Song of Songs"}, {"ISA", "Isaiah"}, {"JER", "Jeremiah"},
	{"LAM", "Lamentations"}, {"EZK", "Ezekiel"}, {"DAN", "Daniel"},
	{"HOS", "Hosea"}, {"JOL", "Joel"}, {"AMO", "Amos"},
	{"OBA", "Obadiah"}, {"JON", "Jonah"}, {"MIC", "Micah"},
	{"NAM", "Nahum"}, {"HAB", "Habakkuk"}, {"ZEP", "Zephaniah"},
	{"HAG", "Haggai"}, {"ZEC", "Zechariah"}, {"MAL", "Malachi"},
	{"MAT", "Matthew"}, {"MRK", "Mark"}, {"LUK", "Luke"},
	{"JHN", "John"}, {"ACT", "Acts"}, {"ROM", "Romans"},
	{"1CO", "1 Corinthians"}, {"2CO", "2 Corinthians"}, {"GAL", "Galatians"},
	{"EPH", "Ephesians"}, {"PHP", "Philippians"}, {"COL", "Colossians"},
	{"1TH", "1 Thessalonians"}, {"2TH", "2 Thessalonians"},
	{"1TI", "1 Timothy"}, {"2TI", "2 Timothy"}, {"TIT", "Titus"},
	{"PHM", "Philemon"}, {"HEB", "Hebrews"}, {"JAS", "James"},
	{"1PE", "1 Peter"}, {"2PE", "2 Peter"}, {"1JN", "1 John"},
	{"2JN", "2 John"}, {"3JN", "3 John"}, {"JUD", "Jude"},
	{"REV", "Revelation"}, {"OBS", "Open Bible Stories"},
}

// _bookAliases holds common abbreviations that don't prefix-match the
// canonical name.
var _bookAliases = map[string]string{
	"psalm":     "PSA",
	"song":      "SNG",
	"songs":     "SNG",
	"canticles": "SNG",
}

// resolveBook maps a free-form reference ("John 3:16", "1 Cor 13", "jhn") to
// a canonical book code. The second return is false when no book can be
// resolved; callers are expected to drop the filter rather than return an
// empty result.
func resolveBook(reference string) (string, bool) {
	name := bookPart(reference)
	if name == "" {
		return "", false
	}

	norm := normalizeBook(name)

	if code, ok := _bookAliases[norm]; ok {
		return code, true
	}
	for _, b := range _books {
		if norm == strings.ToLower(b.code) {
			return b.code, true
		}
	}
	// Prefix-match the canonical names: "gen", "genesis", "1cor" all work.
	for _, b := range _books {
		if strings.HasPrefix(normalizeBook(b.name), norm) {
			return b.code, true
		}
	}
	return "", false
}

// bookPart strips the trailing chapter/verse portion from a reference,
// keeping a leading ordinal ("1 John 2:3" -> "1 John").
func bookPart(reference string) string {
	ref := strings.TrimSpace(reference)
	if ref == "" {
		return ""
	}

	// The book name ends where the chapter digits begin. A digit at the very
	// start is an ordinal, not a chapter.
	for i, r := range ref {
		if i > 1 && unicode.IsDigit(r) {
			return strings.TrimSpace(ref[:i])
		}
	}
	return ref
}

func normalizeBook(s string) string {
	var sb strings.Builder
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

// matchesBook reports whether an archive entry path belongs to the given book
// code. Resource files embed the code ("57-TIT.usfm", "tn_TIT.tsv") or, for
// markdown trees, the lowercased book name as a directory.
func matchesBook(path, code string) bool {
	if code == "" {
		return true
	}
	if strings.Contains(strings.ToUpper(path), code) {
		return true
	}
	for _, b := range _books {
		if b.code != code {
			continue
		}
		name := normalizeBook(b.name)
		return strings.Contains(normalizeBook(path), name)
	}
	return false
}
