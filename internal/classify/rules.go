package classify

import (
	"regexp"

	"github.com/JakeFAU/blaulicht-crawler/internal/article"
)

// Confidence bounds of the rule stage. The score is a bounded heuristic, not
// a calibrated probability.
const (
	confidenceNoMatch = 0.2
	confidenceBase    = 0.4
	confidencePerRule = 0.15
	confidenceCap     = 0.85
)

// Rule contributes Category when any of its patterns matches.
type Rule struct {
	Category article.CrimeCategory
	Patterns []*regexp.Regexp
}

// Matches reports whether any pattern matches text.
func (r Rule) Matches(text string) bool {
	for _, p := range r.Patterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}

func patterns(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(exprs))
	for _, e := range exprs {
		out = append(out, regexp.MustCompile(`(?i)`+e))
	}
	return out
}

// Word boundaries are only placed next to ASCII letters; \b does not treat
// umlauts as word characters.
var defaultRules = []Rule{
	{article.CategoryHomicide, patterns(`tötungsdelikt`, `getötet`, `ermordet`, `\bmord`, `totschlag`, `leiche\b`, `leblos aufgefunden`)},
	{article.CategoryKnife, patterns(`messer`, `messerangriff`, `stichverletzung`, `niedergestochen`, `stichwaffe`)},
	{article.CategoryWeapons, patterns(`schusswaffe`, `pistole`, `revolver`, `gewehr`, `schüsse`, `waffe`)},
	{article.CategoryAssault, patterns(`körperverletzung`, `angegriffen`, `angriff`, `geschlagen`, `schlägerei`, `attackiert`, `prügelei`, `getreten`)},
	{article.CategoryRobbery, patterns(`raub\b`, `\braub`, `räuber`, `überfall`)},
	{article.CategoryBurglary, patterns(`einbruch`, `eingebrochen`, `einbrecher`)},
	{article.CategoryTheft, patterns(`diebstahl`, `gestohlen`, `entwendet`, `\bdieb`, `ladendieb`)},
	{article.CategoryFraud, patterns(`betrug`, `betrüger`, `enkeltrick`, `schockanruf`, `falsche polizeibeamte`, `phishing`)},
	{article.CategoryDrugs, patterns(`betäubungsmittel`, `drogen`, `rauschgift`, `kokain`, `heroin`, `cannabis`, `marihuana`, `amphetamin`)},
	{article.CategoryTraffic, patterns(`verkehrsunfall`, `unfall`, `fahrerflucht`, `zusammenstoß`, `kollision`, `trunkenheitsfahrt`)},
	{article.CategoryArson, patterns(`brandstiftung`, `in brand gesetzt`, `feuer gelegt`, `brandanschlag`)},
	{article.CategorySexual, patterns(`sexuell`, `vergewaltig`, `exhibitionis`, `sexualdelikt`)},
	{article.CategoryVandalism, patterns(`sachbeschädigung`, `graffiti`, `beschädigt`, `zerkratzt`, `vandalismus`)},
	{article.CategoryMissing, patterns(`vermisst`, `abgängig`)},
}

// DefaultRules returns the German press release rule table in evaluation order.
func DefaultRules() []Rule {
	out := make([]Rule, len(defaultRules))
	copy(out, defaultRules)
	return out
}

// ApplyRules runs every rule over text.
func ApplyRules(rules []Rule, text string) article.Classification {
	var cats []article.CrimeCategory
	for _, r := range rules {
		if r.Matches(text) {
			cats = append(cats, r.Category)
		}
	}
	if len(cats) == 0 {
		return article.Classification{
			Categories: []article.CrimeCategory{article.CategoryOther},
			Confidence: confidenceNoMatch,
			Source:     SourceRules,
		}
	}
	return article.Classification{
		Categories: cats,
		Confidence: min(confidenceBase+confidencePerRule*float64(len(cats)), confidenceCap),
		Source:     SourceRules,
	}
}
