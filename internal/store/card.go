package store

import (
	"fmt"
	"strings"
	"time"
)

// Card renders the model card markdown for a checkpoint.
func Card(meta Meta) string {
	var b strings.Builder

	kind := "baseline"
	if meta.FineTuned {
		kind = "fine-tuned"
	}
	fmt.Fprintf(&b, "# upbeat paraphraser (%s)\n\n", kind)
	b.WriteString("Character-level encoder-decoder that rewrites sentences with a more positive tone.\n\n")

	b.WriteString("## Model\n\n")
	b.WriteString("| Parameter | Value |\n|---|---|\n")
	fmt.Fprintf(&b, "| Vocabulary size | %d |\n", meta.Model.VocabSize)
	fmt.Fprintf(&b, "| Max positions | %d |\n", meta.Model.MaxPositions)
	fmt.Fprintf(&b, "| Max input length | %d |\n", meta.MaxLength)
	fmt.Fprintf(&b, "| Model dimension | %d |\n", meta.Model.DModel)
	fmt.Fprintf(&b, "| Feed-forward dimension | %d |\n", meta.Model.FFDim)
	fmt.Fprintf(&b, "| Created | %s |\n", meta.CreatedAt.Format(time.RFC3339))

	if meta.Training != nil {
		b.WriteString("\n## Training\n\n")
		b.WriteString("| Setting | Value |\n|---|---|\n")
		fmt.Fprintf(&b, "| Epochs | %d |\n", meta.Training.Epochs)
		fmt.Fprintf(&b, "| Learning rate | %g |\n", meta.Training.LearningRate)
		fmt.Fprintf(&b, "| Batch size | %d |\n", meta.Training.BatchSize)
		if meta.Training.WeightDecay > 0 {
			fmt.Fprintf(&b, "| Weight decay | %g |\n", meta.Training.WeightDecay)
		}
	}

	if meta.Report != nil && len(meta.Report.Epochs) > 0 {
		fmt.Fprintf(&b, "\nFine-tuned on %d positive examples.\n\n", meta.Report.CorpusSize)
		b.WriteString("| Epoch | Mean loss | Batches |\n|---|---|---|\n")
		for _, e := range meta.Report.Epochs {
			fmt.Fprintf(&b, "| %d | %.4f | %d |\n", e.Epoch, e.MeanLoss, e.Batches)
		}
	}

	b.WriteString("\n## Limitations\n\n")
	b.WriteString("Output is not guaranteed to preserve meaning. Input is reduced to ASCII letters, digits and spaces.\n")
	return b.String()
}
