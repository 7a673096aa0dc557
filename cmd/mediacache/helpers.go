package main

import (
	"fmt"

	"github.com/mediacache/mediacache/internal/config"
)

func displayDir(dir string) string {
	if dir == "" || dir == "." {
		return "/"
	}
	return dir
}

func sourceLabel(cfg *config.Configuration) string {
	if cfg.Source.Type == "s3" {
		label := "s3://" + cfg.Source.S3.Bucket
		if cfg.Source.S3.Prefix != "" {
			label += "/" + cfg.Source.S3.Prefix
		}
		return label
	}
	return cfg.Source.Root
}

func countOf(n, limit int) string {
	if limit <= 0 {
		return fmt.Sprintf("%d", n)
	}
	return fmt.Sprintf("%d / %d", n, limit)
}
