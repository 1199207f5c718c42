package stats

// Archetypes a character can take. Order matches the authoring UI.
var Archetypes = []string{
	"Mage", "Sorcerer", "Warrior", "Healer", "Assassin",
	"Ranger", "Knight", "Summoner", "Berserker",
}

// Affinities are the common elemental alignments.
var Affinities = []string{"Fire", "Water", "Ice", "Earth", "Light", "Dark"}

// SpecialAffinities are the rare alignments.
var SpecialAffinities = []string{"Blood", "Void", "Magma", "Sand"}

// Grades order character rank from weakest to strongest.
var Grades = []string{
	"Beginner", "5th Grade", "4th Grade", "3rd Grade", "2nd Grade",
	"1st Grade", "Elite", "Master", "Legend", "Mythic", "Exceptional",
}

// Roles a character can play in a story.
var Roles = []string{
	"Protagonist", "Antagonist", "Sidekick", "Mentor", "Rival",
	"Neutral", "Anti-Hero",
}

// Genres available for stories.
var Genres = []string{
	"Fantasy", "Dark Fantasy", "Cultivation", "Isekai", "Horror",
	"Romance", "Sci-Fi", "Mystery", "Adventure", "Thriller",
}

// SkillKinds classify what a skill does in combat.
var SkillKinds = []string{"Attack", "Buff", "Debuff"}

func contains(values []string, v string) bool {
	for _, value := range values {
		if value == v {
			return true
		}
	}
	return false
}

func ValidArchetype(v string) bool       { return contains(Archetypes, v) }
func ValidAffinity(v string) bool        { return contains(Affinities, v) }
func ValidSpecialAffinity(v string) bool { return contains(SpecialAffinities, v) }
func ValidGrade(v string) bool           { return contains(Grades, v) }
func ValidRole(v string) bool            { return contains(Roles, v) }
func ValidGenre(v string) bool           { return contains(Genres, v) }
func ValidSkillKind(v string) bool       { return contains(SkillKinds, v) }
