//                           _       _
// __      _____  __ ___   ___  __ _| |_ ___
// \ \ /\ / / _ \/ _` \ \ / / |/ _` | __/ _ \
//  \ V  V /  __/ (_| |\ V /| | (_| | ||  __/
//   \_/\_/ \___|\__,_| \_/ |_|\__,_|\__\___|
//
//  Copyright © 2016 - 2023 Weaviate B.V. All rights reserved.
//
//  CONTACT: hello@weaviate.io
//

package diskio

import (
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/weaviate/chunklog/usecases/monitoring"
)

func CreateFile(path, source string) (*os.File, error) {
	monitoring.GetMetrics().FileIOOps.With(prometheus.Labels{
		"operation": "create_file",
		"source":    source,
	}).Inc()
	return os.Create(path)
}

func OpenFile(path string, flag int, perm os.FileMode, source string) (*os.File, error) {
	monitoring.GetMetrics().FileIOOps.With(prometheus.Labels{
		"operation": "open_file",
		"source":    source,
	}).Inc()
	return os.OpenFile(path, flag, perm)
}

func RemoveFile(path, source string) error {
	monitoring.GetMetrics().FileIOOps.With(prometheus.Labels{
		"operation": "remove_file",
		"source":    source,
	}).Inc()
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
