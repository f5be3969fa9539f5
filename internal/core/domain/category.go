package domain

import "strings"

// Category is the closed set of bookkeeping categories for invoices and
// transactions.
type Category string

const (
	// Expense categories
	CategoryServices       Category = "services"
	CategoryInfrastructure Category = "infrastructure"
	CategoryDevelopment    Category = "development"
	CategoryMarketing      Category = "marketing"
	CategoryPayroll        Category = "payroll"
	CategoryBridgingFees   Category = "bridging_fees"
	CategoryGasFees        Category = "gas_fees"
	CategoryUncategorized  Category = "uncategorized"

	// Income categories
	CategoryServiceRevenue   Category = "service_revenue"
	CategoryProductRevenue   Category = "product_revenue"
	CategoryInterest         Category = "interest"
	CategoryIncomingTransfer Category = "incoming_transfer"
)

// Categories lists every category in display order.
var Categories = []Category{
	CategoryServices,
	CategoryInfrastructure,
	CategoryDevelopment,
	CategoryMarketing,
	CategoryPayroll,
	CategoryBridgingFees,
	CategoryGasFees,
	CategoryUncategorized,
	CategoryServiceRevenue,
	CategoryProductRevenue,
	CategoryInterest,
	CategoryIncomingTransfer,
}

// ParseCategory maps user input onto the closed set.
func ParseCategory(op, s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", ValidationError(op, "category", s, "unknown category")
	}
	return c, nil
}

func (c Category) Valid() bool {
	switch c {
	case CategoryServices, CategoryInfrastructure, CategoryDevelopment, CategoryMarketing,
		CategoryPayroll, CategoryBridgingFees, CategoryGasFees, CategoryUncategorized,
		CategoryServiceRevenue, CategoryProductRevenue, CategoryInterest, CategoryIncomingTransfer:
		return true
	}
	return false
}

// IsIncome reports whether the category books revenue rather than expense.
func (c Category) IsIncome() bool {
	switch c {
	case CategoryServiceRevenue, CategoryProductRevenue, CategoryInterest, CategoryIncomingTransfer:
		return true
	default:
		return false
	}
}

// Label is the financial-statement line the category rolls up into.
func (c Category) Label() string {
	switch c {
	case CategoryServices:
		return "Operating expenses - Services"
	case CategoryInfrastructure:
		return "Operating expenses - Infrastructure"
	case CategoryDevelopment:
		return "Operating expenses - Development"
	case CategoryMarketing:
		return "Operating expenses - Marketing"
	case CategoryPayroll:
		return "Operating expenses - Compensation"
	case CategoryBridgingFees:
		return "Operating expenses - Cross-chain fees"
	case CategoryGasFees:
		return "Operating expenses - Network fees"
	case CategoryUncategorized:
		return "Other expenses"
	case CategoryServiceRevenue:
		return "Revenue - Services"
	case CategoryProductRevenue:
		return "Revenue - Products"
	case CategoryInterest:
		return "Other income - Interest"
	case CategoryIncomingTransfer:
		return "Other income - Transfers received"
	default:
		return "Unknown"
	}
}
