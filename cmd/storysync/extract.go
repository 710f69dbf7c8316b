package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var extractCmd = &cobra.Command{
	Use:   "extract <requirement-id>",
	Short: "Generate user stories for a requirement without creating them",
	Args:  cobra.ExactArgs(1),
	RunE:  runExtract,
}

func runExtract(cmd *cobra.Command, args []string) error {
	eng, err := buildEngine()
	if err != nil {
		return err
	}
	defer eng.Close()

	stories, err := eng.worker.PreviewStories(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{"requirement_id": args[0], "stories": stories})
	}

	fmt.Printf("%d stories for requirement %s:\n\n", len(stories), args[0])
	for i, s := range stories {
		marker := ""
		if s.Placeholder {
			marker = " [placeholder]"
		}
		fmt.Printf("%d. %s (%s)%s\n", i+1, s.Heading, s.Priority, marker)
		fmt.Printf("   %s\n", s.Description)
		for _, ac := range s.AcceptanceCriteria {
			fmt.Printf("   - %s\n", ac)
		}
		fmt.Println()
	}
	return nil
}
