package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// WorkoutPlanFile is the artifact written by generate_workout_plan.
const WorkoutPlanFile = "workout_plan.txt"

// volume is the sets/reps prescription for a fitness level.
type volume struct {
	sets, reps int
	cardioMin  int
	restSec    int
}

var levelVolume = map[string]volume{
	"beginner":     {sets: 2, reps: 10, cardioMin: 15, restSec: 90},
	"intermediate": {sets: 3, reps: 12, cardioMin: 25, restSec: 60},
	"advanced":     {sets: 4, reps: 12, cardioMin: 35, restSec: 45},
}

var goalFocus = map[string]string{
	"build muscle":      "Progressive overload: add weight once every set reaches the top of the rep range.",
	"lose weight":       "Keep rest short and finish each session with the cardio block at a brisk pace.",
	"improve endurance": "Favor steady tempo and extend the cardio block by 5 minutes each week.",
}

type exercise struct {
	name   string
	timed  bool // prescribed in seconds instead of reps
	cardio bool
}

var planDays = []struct {
	title     string
	exercises []exercise
}{
	{"Day 1 - Upper Body", []exercise{{name: "Push-ups"}, {name: "Dumbbell Rows"}, {name: "Overhead Press"}, {name: "Plank", timed: true}}},
	{"Day 2 - Lower Body", []exercise{{name: "Squats"}, {name: "Lunges"}, {name: "Glute Bridges"}, {name: "Leg Raises"}}},
	{"Day 3 - Full Body & Conditioning", []exercise{{name: "Burpees"}, {name: "Pull-ups"}, {name: "Mountain Climbers", timed: true}, {name: "Cardio", cardio: true}}},
}

// renderWorkoutPlan produces the plan text. Output depends only on the
// inputs so re-running overwrites the file with identical content.
func renderWorkoutPlan(level, goals string) string {
	v, ok := levelVolume[strings.ToLower(level)]
	if !ok {
		v = levelVolume[DefaultFitnessLevel]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "3-DAY WORKOUT PLAN\n")
	fmt.Fprintf(&b, "Fitness level: %s\n", level)
	fmt.Fprintf(&b, "Goals: %s\n", goals)
	b.WriteString(strings.Repeat("=", 40) + "\n")

	for _, day := range planDays {
		fmt.Fprintf(&b, "\n%s\n", day.title)
		for _, ex := range day.exercises {
			switch {
			case ex.cardio:
				fmt.Fprintf(&b, "  - %s: %d min\n", ex.name, v.cardioMin)
			case ex.timed:
				fmt.Fprintf(&b, "  - %s: %d x %d sec\n", ex.name, v.sets, v.reps*3)
			default:
				fmt.Fprintf(&b, "  - %s: %d x %d\n", ex.name, v.sets, v.reps)
			}
		}
		fmt.Fprintf(&b, "  Rest %d sec between sets.\n", v.restSec)
	}

	if focus, ok := goalFocus[strings.ToLower(goals)]; ok {
		fmt.Fprintf(&b, "\nFocus: %s\n", focus)
	} else {
		b.WriteString("\nFocus: Train consistently, sleep well, and stop any exercise that causes pain.\n")
	}
	return b.String()
}

func handleWorkoutPlan(_ context.Context, dir string, args map[string]any) (*Result, error) {
	level := StringArg(args, "fitness_level", DefaultFitnessLevel)
	goals := StringArg(args, "fitness_goals", DefaultFitnessGoals)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	path := filepath.Join(dir, WorkoutPlanFile)
	if err := os.WriteFile(path, []byte(renderWorkoutPlan(level, goals)), 0o644); err != nil {
		return nil, fmt.Errorf("write workout plan: %w", err)
	}

	return &Result{
		Status:       StatusSuccess,
		Summary:      fmt.Sprintf("Workout plan generated successfully and saved to %s", path),
		ArtifactPath: path,
	}, nil
}
