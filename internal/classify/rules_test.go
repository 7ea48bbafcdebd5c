package classify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/blaulicht-crawler/internal/article"
)

func TestApplyRulesKnifeAttack(t *testing.T) {
	t.Parallel()

	got := ApplyRules(DefaultRules(), "Ein Mann wurde mit einem Messer angegriffen")
	assert.Equal(t, []article.CrimeCategory{article.CategoryKnife, article.CategoryAssault}, got.Categories)
	assert.InDelta(t, 0.7, got.Confidence, 1e-9)
	assert.Equal(t, SourceRules, got.Source)
}

func TestApplyRulesNoMatch(t *testing.T) {
	t.Parallel()

	got := ApplyRules(DefaultRules(), "Die Polizei lädt zum Tag der offenen Tür ein.")
	assert.Equal(t, []article.CrimeCategory{article.CategoryOther}, got.Categories)
	assert.InDelta(t, 0.2, got.Confidence, 1e-9)
}

func TestApplyRulesConfidenceIsCapped(t *testing.T) {
	t.Parallel()

	text := "Raubüberfall mit Messer und Pistole, danach Körperverletzung, Diebstahl und Sachbeschädigung"
	got := ApplyRules(DefaultRules(), text)
	require.GreaterOrEqual(t, len(got.Categories), 4)
	assert.InDelta(t, 0.85, got.Confidence, 1e-9)
}

func TestEachRuleMatchesItsCategory(t *testing.T) {
	t.Parallel()

	cases := map[article.CrimeCategory]string{
		article.CategoryHomicide:  "Die Mordkommission ermittelt nach einem Tötungsdelikt.",
		article.CategoryKnife:     "Der Täter wurde niedergestochen.",
		article.CategoryWeapons:   "Es fielen Schüsse aus einer Schusswaffe.",
		article.CategoryAssault:   "Nach einer Schlägerei vor der Bar",
		article.CategoryRobbery:   "Handtaschenraub in der Innenstadt",
		article.CategoryBurglary:  "Wohnungseinbruch am Nachmittag",
		article.CategoryTheft:     "Fahrrad gestohlen",
		article.CategoryFraud:     "Warnung vor Enkeltrick",
		article.CategoryDrugs:     "Kokain und Cannabis sichergestellt",
		article.CategoryTraffic:   "Verkehrsunfall auf der A5",
		article.CategoryArson:     "Verdacht auf Brandstiftung",
		article.CategorySexual:    "Exhibitionist im Park",
		article.CategoryVandalism: "Graffiti an der Schule",
		article.CategoryMissing:   "16-Jährige vermisst",
	}
	rules := DefaultRules()
	for cat, text := range cases {
		t.Run(string(cat), func(t *testing.T) {
			t.Parallel()
			assert.True(t, ApplyRules(rules, text).Has(cat), "%q should match %s", text, cat)
		})
	}
}

func TestRobberyIgnoresPlaceNames(t *testing.T) {
	t.Parallel()

	got := ApplyRules(DefaultRules(), "Pressemitteilung aus Straubing")
	assert.False(t, got.Has(article.CategoryRobbery))
}

func TestRulesAreCaseInsensitiveForUmlauts(t *testing.T) {
	t.Parallel()

	got := ApplyRules(DefaultRules(), "ÜBERFALL AUF TANKSTELLE")
	assert.True(t, got.Has(article.CategoryRobbery))
}
