package profile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const (
	profileFilename    = "user_profile.json"
	templateFilename   = "user_profile_template.json"
	vitalityFilename   = "vitality_data.json"
	swapsFilename      = "healthy_swap.json"
	mealPhotosFilename = "meal_photos_nutrition.json"
	takeawayFilename   = "takeaway_nutrition.json"
	nutritionSubdir    = "nutrition"
)

// Store reads and writes profile documents and the sibling catalogs under
// a single data directory. Layout: <dataDir>/<userID>/user_profile.json
// plus per-user vitality and swap documents, and shared catalogs under
// <dataDir>/nutrition/. Profiles are single-writer per session; writes
// replace the whole document via a temp-file rename so an interrupted
// save leaves the previous version intact.
type Store struct {
	dataDir string
}

func NewStore(dataDir string) *Store {
	return &Store{dataDir: dataDir}
}

func (s *Store) userDir(userID string) string {
	return filepath.Join(s.dataDir, userID)
}

// LoadProfile returns the user's document, or an empty document when none
// has been written yet.
func (s *Store) LoadProfile(userID string) (*Document, error) {
	var doc Document
	found, err := readJSON(filepath.Join(s.userDir(userID), profileFilename), &doc)
	if err != nil {
		return nil, err
	}
	if !found {
		return &Document{}, nil
	}
	return &doc, nil
}

// SaveProfile persists the whole document for the user.
func (s *Store) SaveProfile(userID string, doc *Document) error {
	dir := s.userDir(userID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create user dir %q: %w", dir, err)
	}
	return writeJSON(filepath.Join(dir, profileFilename), doc)
}

// SeedFromTemplate overwrites the user's profile with the shared template
// document, or with an empty document when no template exists. Used to
// give the demo user a clean profile at the start of each session.
func (s *Store) SeedFromTemplate(userID string) error {
	var doc Document
	if _, err := readJSON(filepath.Join(s.dataDir, templateFilename), &doc); err != nil {
		return err
	}
	return s.SaveProfile(userID, &doc)
}

// VitalityData is the externally sourced health document for a user.
type VitalityData struct {
	Basic            *VitalityBasic     `json:"basic,omitempty"`
	Status           *string            `json:"status,omitempty"`
	Points           *VitalityPoints    `json:"points,omitempty"`
	RecentActivities []VitalityActivity `json:"recent_activities,omitempty"`
	HealthChecks     *HealthChecks      `json:"health_checks,omitempty"`
}

type VitalityBasic struct {
	PreferredName *string `json:"preferred_name,omitempty"`
	AgeYears      *int    `json:"age_years,omitempty"`
	Sex           *string `json:"sex,omitempty"`
}

// LoadVitality returns the user's health import document; an absent file
// yields an empty document, which merges as a no-op.
func (s *Store) LoadVitality(userID string) (*VitalityData, error) {
	var data VitalityData
	if _, err := readJSON(filepath.Join(s.userDir(userID), vitalityFilename), &data); err != nil {
		return nil, err
	}
	return &data, nil
}

// LoadHealthySwaps returns the user's swap recommendation document and
// whether one exists on disk.
func (s *Store) LoadHealthySwaps(userID string) (*HealthySwaps, bool, error) {
	var swaps HealthySwaps
	found, err := readJSON(filepath.Join(s.userDir(userID), swapsFilename), &swaps)
	if err != nil {
		return nil, false, err
	}
	return &swaps, found, nil
}

// MealPhotoEntry is one row of the shared meal-photo nutrition catalog.
type MealPhotoEntry struct {
	Description string        `json:"description"`
	ImageURL    string        `json:"image_url"`
	Nutrition   MealNutrition `json:"nutrition"`
	Items       []string      `json:"items,omitempty"`
}

func (s *Store) LoadMealPhotoCatalog() ([]MealPhotoEntry, error) {
	var entries []MealPhotoEntry
	if _, err := readJSON(filepath.Join(s.dataDir, nutritionSubdir, mealPhotosFilename), &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// TakeawayOption is one row of the shared takeaway catalog.
type TakeawayOption struct {
	Name        string         `json:"name"`
	Restaurant  string         `json:"restaurant,omitempty"`
	Description string         `json:"description,omitempty"`
	Nutrition   *MealNutrition `json:"nutrition,omitempty"`
	Reason      string         `json:"reason,omitempty"`
}

func (s *Store) LoadTakeawayCatalog() ([]TakeawayOption, error) {
	var options []TakeawayOption
	if _, err := readJSON(filepath.Join(s.dataDir, nutritionSubdir, takeawayFilename), &options); err != nil {
		return nil, err
	}
	return options, nil
}

func readJSON(path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("read %q: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("parse %q: %w", path, err)
	}
	return true, nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %q: %w", path, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp for %q: %w", path, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %q: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close %q: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace %q: %w", path, err)
	}
	return nil
}
