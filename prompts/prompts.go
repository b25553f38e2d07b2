package prompts

import _ "embed"

// Embedded prompt files

//go:embed match_judge_system.txt
var matchJudgeSystem string

// match_judge.txt is a text/template over matching.JudgeRequest with the
// helper funcs join and percent.
//
//go:embed match_judge.txt
var matchJudge string

func MatchJudgeSystem() string { return matchJudgeSystem }
func MatchJudge() string       { return matchJudge }
