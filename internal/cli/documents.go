package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var documentsCmd = &cobra.Command{
	Use:   "documents",
	Short: "List documents that can be referenced with --doc",
	Args:  cobra.NoArgs,
	RunE:  runDocuments,
}

func runDocuments(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	docs, err := apiClient.ListDocuments(ctx)
	if err != nil {
		return fmt.Errorf("list documents: %w", err)
	}

	if len(docs) == 0 {
		fmt.Println("No documents found.")
		return nil
	}

	fmt.Printf("Documents (%d):\n\n", len(docs))
	for _, d := range docs {
		fmt.Printf("- %s  %s\n", d.ID, d.Name)
	}
	return nil
}
