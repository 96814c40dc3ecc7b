package sandbox

import (
	"fmt"

	"github.com/codearena/codearena/internal/models"
)

// languageSpec describes how a language is compiled and executed inside the
// sandbox working directory.
type languageSpec struct {
	// SourceFile is the file name the source is written to.
	SourceFile string
	// CompileArgs is the compiler invocation, empty for interpreted
	// languages. {mem} expands to the memory limit in MB.
	CompileArgs []string
	// RunArgs is the execution invocation.
	RunArgs []string
	// WallMultiplier scales the problem's wall-time limit. Interpreted
	// languages get a larger budget.
	WallMultiplier float64
	// StartupOverheadMs is the estimated process/VM startup cost
	// subtracted from wall time to get net execution time.
	StartupOverheadMs int64
}

var languageSpecs = map[models.Language]languageSpec{
	models.LanguageCPP: {
		SourceFile:        "main.cpp",
		CompileArgs:       []string{"g++", "-O2", "-std=c++17", "-o", "main", "main.cpp"},
		RunArgs:           []string{"./main"},
		WallMultiplier:    1.0,
		StartupOverheadMs: 5,
	},
	models.LanguageJava: {
		SourceFile:        "Main.java",
		CompileArgs:       []string{"javac", "Main.java"},
		RunArgs:           []string{"java", "-Xmx{mem}m", "Main"},
		WallMultiplier:    2.0,
		StartupOverheadMs: 150,
	},
	models.LanguagePython: {
		SourceFile:        "main.py",
		RunArgs:           []string{"python3", "main.py"},
		WallMultiplier:    3.0,
		StartupOverheadMs: 50,
	},
}

func specFor(lang models.Language) (languageSpec, error) {
	spec, ok := languageSpecs[lang]
	if !ok {
		return languageSpec{}, fmt.Errorf("unsupported language: %s", lang)
	}
	return spec, nil
}

// WallMultiplier returns the wall-time scale factor for a language,
// defaulting to 1 for unknown languages.
func WallMultiplier(lang models.Language) float64 {
	if spec, ok := languageSpecs[lang]; ok {
		return spec.WallMultiplier
	}
	return 1.0
}
