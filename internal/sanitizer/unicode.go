package sanitizer

// zeroWidthChars are invisible joiners and spaces that carry no display
// width and are routinely used to split keywords past pattern matchers.
var zeroWidthChars = map[rune]struct{}{
	'\u200B': {}, // zero width space
	'\u200C': {}, // zero width non-joiner
	'\u200D': {}, // zero width joiner
	'\u2060': {}, // word joiner
	'\uFEFF': {}, // zero width no-break space / BOM
	'\u180E': {}, // mongolian vowel separator
}

// bidiControlChars are directional override, embedding, and isolate
// controls. They make rendered text diverge from logical text, so any
// occurrence in agent input is treated as hostile.
var bidiControlChars = map[rune]string{
	'\u202A': "U+202A LEFT-TO-RIGHT EMBEDDING",
	'\u202B': "U+202B RIGHT-TO-LEFT EMBEDDING",
	'\u202C': "U+202C POP DIRECTIONAL FORMATTING",
	'\u202D': "U+202D LEFT-TO-RIGHT OVERRIDE",
	'\u202E': "U+202E RIGHT-TO-LEFT OVERRIDE",
	'\u2066': "U+2066 LEFT-TO-RIGHT ISOLATE",
	'\u2067': "U+2067 RIGHT-TO-LEFT ISOLATE",
	'\u2068': "U+2068 FIRST STRONG ISOLATE",
	'\u2069': "U+2069 POP DIRECTIONAL ISOLATE",
	'\u061C': "U+061C ARABIC LETTER MARK",
}

// confusableToLatin maps Cyrillic and Greek characters that render
// identically to Latin letters onto their Latin equivalents. NFKC does not
// fold across scripts, so this substitution runs after normalization.
// Starting set, not a full Unicode confusables table.
var confusableToLatin = map[rune]rune{
	// Cyrillic lowercase.
	'а': 'a', // а
	'е': 'e', // е
	'о': 'o', // о
	'р': 'p', // р
	'с': 'c', // с
	'у': 'y', // у
	'х': 'x', // х
	'ѕ': 's', // ѕ
	'і': 'i', // і
	'ј': 'j', // ј
	'һ': 'h', // һ
	'ԁ': 'd', // ԁ
	// Cyrillic uppercase.
	'А': 'A',
	'В': 'B',
	'Е': 'E',
	'К': 'K',
	'М': 'M',
	'Н': 'H',
	'О': 'O',
	'Р': 'P',
	'С': 'C',
	'Т': 'T',
	'Х': 'X',
	// Greek lowercase.
	'α': 'a', // α
	'ι': 'i', // ι
	'κ': 'k', // κ
	'ν': 'v', // ν
	'ο': 'o', // ο
	'ρ': 'p', // ρ
	'υ': 'u', // υ
	'χ': 'x', // χ
	// Greek uppercase.
	'Α': 'A',
	'Β': 'B',
	'Ε': 'E',
	'Ζ': 'Z',
	'Η': 'H',
	'Ι': 'I',
	'Κ': 'K',
	'Μ': 'M',
	'Ν': 'N',
	'Ο': 'O',
	'Ρ': 'P',
	'Τ': 'T',
	'Υ': 'Y',
	'Χ': 'X',
}
